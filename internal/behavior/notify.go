package behavior

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/target"
)

// Notify renders a subject and body and sends them to the instance's
// assignees, or to an explicit recipient list.
type Notify struct {
	deferAll
	funcs template.FuncMap
}

type notifyParams struct {
	Subject    string   `json:"subject"              jsonschema:"required,description=Subject template"`
	Body       string   `json:"body,omitempty"       jsonschema:"description=Body template"`
	Recipients []string `json:"recipients,omitempty" jsonschema:"description=Overrides the assigned users and groups"`
}

// NewNotify creates the notify behavior with the sprig function map, minus
// the functions that read the process environment or file system.
func NewNotify() Notify {
	f := sprig.TxtFuncMap()
	for _, name := range []string{"env", "expandenv", "base", "dir", "clean", "ext", "isAbs"} {
		delete(f, name)
	}
	return Notify{funcs: f}
}

func (Notify) Name() string { return "notify" }

func (Notify) Fields() *jsonschema.Schema { return schemaFor(&notifyParams{}) }

func (n Notify) Validate(params map[string]any) error {
	p, err := decodeParams[notifyParams](params)
	if err != nil {
		return err
	}
	if p.Subject == "" {
		return errors.New("subject is required")
	}
	for name, src := range map[string]string{"subject": p.Subject, "body": p.Body} {
		if _, err := n.template(name, nil).Parse(src); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (n Notify) Execute(ctx context.Context, rt *Runtime) (bool, error) {
	p, err := decodeParams[notifyParams](rt.params())
	if err != nil {
		return false, err
	}
	if rt.Notifier == nil {
		return false, errors.New("notify: no notifier configured")
	}

	recipients := p.Recipients
	if len(recipients) == 0 {
		recipients = slices.Concat(rt.Instance.AssignedUsers, rt.Instance.AssignedGroups)
	}
	if len(recipients) == 0 {
		rt.logger().Warn("notify step has no recipients")
		return true, nil
	}

	t, err := rt.Target(ctx)
	if err != nil {
		return false, err
	}
	data := n.data(rt, t)
	subject, err := n.render("subject", p.Subject, t, data)
	if err != nil {
		return false, err
	}
	body, err := n.render("body", p.Body, t, data)
	if err != nil {
		return false, err
	}

	if err := rt.Notifier.Send(ctx, recipients, subject, body); err != nil {
		return false, fmt.Errorf("notify: %w", err)
	}
	rt.logger().Debug("notification sent", zap.Int("recipients", len(recipients)))
	return true, nil
}

// template builds a named template. The field function reads from t and
// yields nothing when the instance is untargeted.
func (n Notify) template(name string, t target.Target) *template.Template {
	funcs := template.FuncMap{
		"field": func(key string) any {
			if t == nil {
				return ""
			}
			v, _ := t.Field(key)
			return v
		},
	}
	return template.New(name).Option("missingkey=zero").Funcs(n.funcs).Funcs(funcs)
}

func (n Notify) render(name, src string, t target.Target, data map[string]any) (string, error) {
	if src == "" {
		return "", nil
	}
	tpl, err := n.template(name, t).Parse(src)
	if err != nil {
		return "", fmt.Errorf("notify %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notify %s: %w", name, err)
	}
	return buf.String(), nil
}

func (n Notify) data(rt *Runtime, t target.Target) map[string]any {
	inst := rt.Instance
	data := map[string]any{
		"Instance": map[string]any{
			"ID":        inst.ID,
			"Title":     inst.Title,
			"Status":    inst.Status,
			"Initiator": inst.InitiatorID,
		},
		"Action": map[string]any{},
		"Actor":  "",
		"Target": map[string]any{},
	}
	if rt.Action != nil {
		data["Action"] = map[string]any{"Title": rt.Action.Title}
	}
	if rt.Actor != nil {
		data["Actor"] = rt.Actor.SubjectID
	}
	if t != nil {
		data["Target"] = map[string]any{"Kind": t.Ref().Kind, "ID": t.Ref().ID}
	}
	return data
}
