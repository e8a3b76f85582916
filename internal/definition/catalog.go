package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

type catalogSnapshot struct {
	templates map[string]LoadedTemplate
	checksum  string
}

// Catalog is a read-optimized set of loaded templates keyed by title. It
// uses an atomic pointer swap so reloads never block readers.
type Catalog struct {
	snap atomic.Pointer[catalogSnapshot]
}

// NewCatalog creates a Catalog holding templates.
func NewCatalog(templates []LoadedTemplate) *Catalog {
	c := &Catalog{}
	c.Replace(templates)
	return c
}

// Replace atomically swaps the catalog contents.
func (c *Catalog) Replace(templates []LoadedTemplate) {
	s := &catalogSnapshot{templates: make(map[string]LoadedTemplate, len(templates))}
	parts := make([]string, 0, len(templates))
	for _, t := range templates {
		s.templates[t.Template.Title] = t
		parts = append(parts, t.Checksum)
	}
	sort.Strings(parts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
	c.snap.Store(s)
}

// Get returns the template with the given title.
func (c *Catalog) Get(title string) (LoadedTemplate, bool) {
	t, ok := c.snap.Load().templates[title]
	return t, ok
}

// All returns every template ordered by title.
func (c *Catalog) All() []LoadedTemplate {
	s := c.snap.Load()
	out := make([]LoadedTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Template.Title < out[j].Template.Title })
	return out
}

// Len returns the number of templates.
func (c *Catalog) Len() int {
	return len(c.snap.Load().templates)
}

// Checksum returns the combined checksum of all templates.
func (c *Catalog) Checksum() string {
	return c.snap.Load().checksum
}
