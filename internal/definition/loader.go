// Package definition authors, validates, stores and provisions workflow
// definitions, including the declarative YAML template format.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/advflow/model"
)

// LoadedTemplate is a parsed template file.
type LoadedTemplate struct {
	Template   model.Template
	Checksum   string
	SourceFile string
}

// Loader scans directories for YAML template files, parses them, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// parses each into a template.
func (l *Loader) LoadAll(directories []string) ([]LoadedTemplate, error) {
	var out []LoadedTemplate

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			lt, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			out = append(out, lt)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return out, nil
}

// LoadFile loads and parses a single template file.
func (l *Loader) LoadFile(path string) (LoadedTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedTemplate{}, fmt.Errorf("reading %s: %w", path, err)
	}

	tpl, err := ParseTemplate(data)
	if err != nil {
		return LoadedTemplate{}, fmt.Errorf("%s: %w", path, err)
	}
	if tpl.Title == "" {
		tpl.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return LoadedTemplate{
		Template:   tpl,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
		SourceFile: path,
	}, nil
}
