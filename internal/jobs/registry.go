// Package jobs holds the closed set of job templates the engine can run.
// Dynamic job definitions reference a template by type and supply parameters;
// the registry owns parameter schemas, validation and execution.
package jobs

import (
	"context"
	"fmt"
	"math"

	"notifyd/internal/config"
	"notifyd/internal/model"
	"notifyd/internal/notify"
	"notifyd/internal/store"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

// Result is what a template execution produced. It lands in the execution
// row's result column.
type Result struct {
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Processed int            `json:"processed"`
	Affected  int            `json:"affected"`
	Errors    []string       `json:"errors,omitempty"`
}

func (r *Result) asMap() map[string]any {
	m := map[string]any{
		"processed": r.Processed,
		"affected":  r.Affected,
	}
	if r.Message != "" {
		m["message"] = r.Message
	}
	if len(r.Details) > 0 {
		m["details"] = r.Details
	}
	if len(r.Errors) > 0 {
		errs := make([]any, len(r.Errors))
		for i, e := range r.Errors {
			errs[i] = e
		}
		m["errors"] = errs
	}
	return m
}

// ResultMap flattens a Result for storage.
func ResultMap(r *Result) map[string]any {
	if r == nil {
		return nil
	}
	return r.asMap()
}

// ParamSpec describes one template parameter. The API exposes these so a
// frontend can generate job forms.
type ParamSpec struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"` // "string", "number", "integer", "boolean"
	Required    bool    `json:"required"`
	Default     any     `json:"default,omitempty"`
	Description string  `json:"description,omitempty"`
	Enum        []any   `json:"enum,omitempty"`
	Min         float64 `json:"min,omitempty"`
	Max         float64 `json:"max,omitempty"`
	HasRange    bool    `json:"-"`
}

// Template is one executable job kind.
type Template interface {
	Kind() model.TemplateKind
	Description() string
	Params() []ParamSpec
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Info is the introspectable description of a template.
type Info struct {
	Type        model.TemplateKind `json:"type"`
	Description string             `json:"description"`
	Params      []ParamSpec        `json:"parameters"`
}

// Registry maps template kinds to implementations. The set is closed at
// construction; there is no runtime registration.
type Registry struct {
	templates map[model.TemplateKind]Template
}

// Deps carries everything any template needs.
type Deps struct {
	Store  *store.Store
	Notify *notify.Service
	Email  transport.Email
	SMS    transport.SMS
	Push   transport.Push
	SMSCfg config.SMSConfig
	Log    logx.Logger
}

func NewRegistry(d Deps) *Registry {
	all := []Template{
		newDatabaseCleanup(d.Store, d.Log),
		newDataExport(d.Store, d.Log),
		newReportGeneration(d.Store, d.Log),
		newEmailNotifier(d.Store, d.Email, d.Log),
		newSMSNotifier(d.Store, d.SMS, d.SMSCfg, d.Log),
		newPushNotifier(d.Store, d.Push, d.Log),
	}
	m := make(map[model.TemplateKind]Template, len(all))
	for _, t := range all {
		m[t.Kind()] = t
	}
	return &Registry{templates: m}
}

// Get returns the template for a kind.
func (r *Registry) Get(kind model.TemplateKind) (Template, error) {
	t, ok := r.templates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown job template %q", kind)
	}
	return t, nil
}

// List describes every template in a stable order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.templates))
	for _, kind := range model.TemplateKinds() {
		t, ok := r.templates[kind]
		if !ok {
			continue
		}
		out = append(out, Info{Type: t.Kind(), Description: t.Description(), Params: t.Params()})
	}
	return out
}

// Validate checks params against the template's schema. Unknown keys are
// rejected so typos fail fast instead of silently using defaults.
func (r *Registry) Validate(kind model.TemplateKind, params map[string]any) error {
	t, err := r.Get(kind)
	if err != nil {
		return err
	}
	return validateParams(t.Params(), params)
}

func validateParams(specs []ParamSpec, params map[string]any) error {
	known := make(map[string]ParamSpec, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}
	for name := range params {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
	}
	for _, s := range specs {
		v, ok := params[s.Name]
		if !ok || v == nil {
			if s.Required {
				return fmt.Errorf("parameter %q is required", s.Name)
			}
			continue
		}
		if err := checkParam(s, v); err != nil {
			return err
		}
	}
	return nil
}

func checkParam(s ParamSpec, v any) error {
	switch s.Type {
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("parameter %q must be a string", s.Name)
		}
		if len(s.Enum) > 0 {
			for _, e := range s.Enum {
				if e == str {
					return nil
				}
			}
			return fmt.Errorf("parameter %q must be one of %v", s.Name, s.Enum)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", s.Name)
		}
	case "number", "integer":
		f, ok := asNumber(v)
		if !ok {
			return fmt.Errorf("parameter %q must be a number", s.Name)
		}
		if s.Type == "integer" && f != math.Trunc(f) {
			return fmt.Errorf("parameter %q must be an integer", s.Name)
		}
		if s.HasRange && (f < s.Min || f > s.Max) {
			return fmt.Errorf("parameter %q must be between %v and %v", s.Name, s.Min, s.Max)
		}
	default:
		return fmt.Errorf("parameter %q has unsupported type %q", s.Name, s.Type)
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// paramNumber reads a numeric param with a default. Validation ran before
// execution, so type mismatches only happen for absent keys.
func paramNumber(params map[string]any, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		if f, ok := asNumber(v); ok {
			return f
		}
	}
	return def
}

func paramString(params map[string]any, name, def string) string {
	if v, ok := params[name]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func paramBool(params map[string]any, name string, def bool) bool {
	if v, ok := params[name]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
