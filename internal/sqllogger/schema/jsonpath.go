package schema

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/client-go/util/jsonpath"
)

// Path is a compiled JSONPath expression. The expression may be written as $.a.b, a.b or in the
// kubectl template form {.a.b}. A Path is not safe for concurrent use.
type Path struct {
	expr     string
	jp       *jsonpath.JSONPath
	wildcard bool
}

func Compile(expr string) (*Path, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty jsonpath expression")
	}
	template := expr
	switch {
	case strings.HasPrefix(expr, "{"):
	case strings.HasPrefix(expr, "$"), strings.HasPrefix(expr, "."), strings.HasPrefix(expr, "["):
		template = "{" + expr + "}"
	default:
		template = "{." + expr + "}"
	}
	jp := jsonpath.New(expr).AllowMissingKeys(true)
	if err := jp.Parse(template); err != nil {
		return nil, errors.Wrapf(err, "invalid jsonpath %q", expr)
	}
	return &Path{
		expr:     expr,
		jp:       jp,
		wildcard: strings.Contains(expr, "[*]") || strings.Contains(expr, ".*") || strings.Contains(expr, ".."),
	}, nil
}

// Find returns every value the path selects in doc. A path that selects nothing yields an empty slice.
func (p *Path) Find(doc any) []any {
	results, err := p.jp.FindResults(doc)
	if err != nil {
		return nil
	}
	var values []any
	for _, set := range results {
		for _, v := range set {
			if !v.IsValid() {
				continue
			}
			if v.Kind() == reflect.Interface && v.IsNil() {
				values = append(values, nil)
				continue
			}
			values = append(values, v.Interface())
		}
	}
	return values
}

// First returns the first value the path selects, if any.
func (p *Path) First(doc any) (any, bool) {
	values := p.Find(doc)
	if len(values) == 0 {
		return nil, false
	}
	return values[0], true
}

// Wildcard reports whether the expression can select several values.
func (p *Path) Wildcard() bool {
	return p.wildcard
}

func (p *Path) String() string {
	return p.expr
}
