// Package render evaluates HCL string templates such as
// "${flow.namespace}" or "${timeadd(now(), "-720h")}" against the variables
// of a running execution.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Variables are the top-level names visible to a template.
type Variables map[string]any

// RenderError reports a template that failed to parse or evaluate.
type RenderError struct {
	Template    string
	Diagnostics hcl.Diagnostics
	Err         error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render: %q: %v", e.Template, e.Err)
	}
	return fmt.Sprintf("render: %q: %s", e.Template, e.Diagnostics.Error())
}

func (e *RenderError) Unwrap() error { return e.Err }

// Option customizes a Renderer.
type Option func(*Renderer)

// WithClock overrides the time source used by now().
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) {
		if now != nil {
			r.now = now
		}
	}
}

// Renderer evaluates templates. The zero value is not usable; call New.
type Renderer struct {
	now       func() time.Time
	functions map[string]function.Function
}

// New constructs a Renderer with the built-in function set.
func New(opts ...Option) *Renderer {
	r := &Renderer{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.functions = map[string]function.Function{
		"now":        r.nowFunc(),
		"timeadd":    stdlib.TimeAddFunc,
		"formatdate": stdlib.FormatDateFunc,
		"upper":      stdlib.UpperFunc,
		"lower":      stdlib.LowerFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
	}
	return r
}

// Render evaluates template against vars. Strings without interpolation
// sequences are returned unchanged.
func (r *Renderer) Render(template string, vars Variables) (string, error) {
	if !strings.Contains(template, "${") && !strings.Contains(template, "%{") {
		return template, nil
	}
	expr, diags := hclsyntax.ParseTemplate([]byte(template), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return "", &RenderError{Template: template, Diagnostics: diags}
	}
	val, diags := expr.Value(r.evalContext(vars))
	if diags.HasErrors() {
		return "", &RenderError{Template: template, Diagnostics: diags}
	}
	if val.IsNull() || !val.IsWhollyKnown() {
		return "", &RenderError{Template: template, Err: fmt.Errorf("template produced no value")}
	}
	str, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", &RenderError{Template: template, Err: err}
	}
	return str.AsString(), nil
}

// Bind fixes vars so the result can be handed to code that only knows how to
// render a template string.
func (r *Renderer) Bind(vars Variables) Bound {
	return Bound{renderer: r, vars: vars}
}

// Bound is a Renderer paired with a variable set.
type Bound struct {
	renderer *Renderer
	vars     Variables
}

func (b Bound) Render(template string) (string, error) {
	if b.renderer == nil {
		return "", &RenderError{Template: template, Err: fmt.Errorf("renderer not configured")}
	}
	return b.renderer.Render(template, b.vars)
}

// Variables returns the bound variable set.
func (b Bound) Variables() Variables { return b.vars }

func (r *Renderer) evalContext(vars Variables) *hcl.EvalContext {
	values := make(map[string]cty.Value, len(vars))
	for name, raw := range vars {
		values[name] = toCty(raw)
	}
	return &hcl.EvalContext{Variables: values, Functions: r.functions}
}

func (r *Renderer) nowFunc() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{},
		Type:   function.StaticReturnType(cty.String),
		Impl: func(_ []cty.Value, _ cty.Type) (cty.Value, error) {
			return cty.StringVal(r.now().UTC().Format(time.RFC3339)), nil
		},
	})
}

func toCty(raw any) cty.Value {
	switch v := raw.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case cty.Value:
		return v
	case string:
		return cty.StringVal(v)
	case bool:
		return cty.BoolVal(v)
	case int:
		return cty.NumberIntVal(int64(v))
	case int64:
		return cty.NumberIntVal(v)
	case float64:
		return cty.NumberFloatVal(v)
	case time.Time:
		return cty.StringVal(v.UTC().Format(time.RFC3339))
	case time.Duration:
		return cty.StringVal(v.String())
	case Variables:
		return objectVal(v)
	case map[string]any:
		return objectVal(v)
	case map[string]string:
		attrs := make(map[string]any, len(v))
		for key, value := range v {
			attrs[key] = value
		}
		return objectVal(attrs)
	case []string:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = item
		}
		return tupleVal(items)
	case []any:
		return tupleVal(v)
	case fmt.Stringer:
		return cty.StringVal(v.String())
	default:
		return cty.StringVal(fmt.Sprint(v))
	}
}

func objectVal(attrs map[string]any) cty.Value {
	if len(attrs) == 0 {
		return cty.EmptyObjectVal
	}
	values := make(map[string]cty.Value, len(attrs))
	for key, value := range attrs {
		values[key] = toCty(value)
	}
	return cty.ObjectVal(values)
}

func tupleVal(items []any) cty.Value {
	if len(items) == 0 {
		return cty.EmptyTupleVal
	}
	values := make([]cty.Value, len(items))
	for i, item := range items {
		values[i] = toCty(item)
	}
	return cty.TupleVal(values)
}
