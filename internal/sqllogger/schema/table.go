package schema

import (
	"encoding/json"
	"regexp"

	"github.com/pkg/errors"

	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const maxIdentifierLength = 128

// ValidIdentifier reports whether name can be used unquoted as a table name, optionally schema qualified.
func ValidIdentifier(name string) bool {
	return len(name) <= maxIdentifierLength && identifierPattern.MatchString(name)
}

// TableResolver decides the destination table of a payload, either a fixed name or one read from the payload.
type TableResolver struct {
	fixed string
	path  *Path
}

func NewFixedTable(name string) (*TableResolver, error) {
	if !ValidIdentifier(name) {
		return nil, errors.Errorf("%q is not a valid table name", name)
	}
	return &TableResolver{fixed: name}, nil
}

func NewTableFromPath(expr string) (*TableResolver, error) {
	p, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return &TableResolver{path: p}, nil
}

// Fixed returns the table name when it does not depend on the payload.
func (r *TableResolver) Fixed() (string, bool) {
	return r.fixed, r.path == nil
}

func (r *TableResolver) Resolve(doc any) (string, error) {
	if r.path == nil {
		return r.fixed, nil
	}
	value, ok := r.path.First(doc)
	if !ok || value == nil {
		return "", &model.TableResolutionError{Path: r.path.String(), Reason: "no value found"}
	}
	var name string
	switch v := value.(type) {
	case string:
		name = v
	case json.Number:
		name = v.String()
	default:
		return "", &model.TableResolutionError{Path: r.path.String(), Reason: "value is not a string"}
	}
	if !ValidIdentifier(name) {
		return "", &model.TableResolutionError{Path: r.path.String(), Reason: "invalid table name " + name}
	}
	return name, nil
}
