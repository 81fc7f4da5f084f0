// Package schema validates payloads against a JSON Schema and turns them into rows.
//
// Besides the standard keywords, a schema may carry two extensions:
//
//	arrayPath  JSONPath selecting an array whose elements each become a row
//	mapping    JSONPath a property's value is read from, given either as a property keyword or as a
//	           top-level object of property name to path
//
// A property with format timestamp accepts ISO-8601 text or epoch milliseconds and defaults to the current time
// when absent. A property with format timestampms accepts epoch milliseconds only.
package schema

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

func init() {
	gojsonschema.FormatCheckers.Add(FormatTimestamp, timestampChecker{})
	gojsonschema.FormatCheckers.Add(FormatTimestampMs, timestampMsChecker{})
}

type timestampChecker struct{}

func (timestampChecker) IsFormat(input interface{}) bool {
	_, err := parseTimestamp(normaliseNumber(input))
	return err == nil
}

type timestampMsChecker struct{}

func (timestampMsChecker) IsFormat(input interface{}) bool {
	_, err := parseEpochMillis(normaliseNumber(input))
	return err == nil
}

// gojsonschema hands numbers to format checkers as float64, json.Number or *big.Rat depending on the version.
func normaliseNumber(input interface{}) interface{} {
	switch v := input.(type) {
	case interface{ FloatString(int) string }:
		return json.Number(strings.TrimRight(strings.TrimRight(v.FloatString(6), "0"), "."))
	default:
		return v
	}
}

// Property is one column derived from the schema.
type Property struct {
	Name            string
	Type            string
	Format          string
	ContentEncoding string
	Required        bool
	// Mapping, when set, replaces the direct key lookup.
	Mapping *Path
}

// IsTimestamp reports whether values of this property are coerced to time.Time.
func (p *Property) IsTimestamp() bool {
	return p.Format == FormatTimestamp || p.Format == FormatTimestampMs
}

type Schema struct {
	// Properties sorted by name.
	Properties []*Property
	Required   []string
	ArrayPath  *Path
	validator  *gojsonschema.Schema
}

type schemaDoc struct {
	Properties map[string]propertyDoc `json:"properties"`
	Required   []string               `json:"required"`
	ArrayPath  string                 `json:"arrayPath"`
	Mapping    map[string]string      `json:"mapping"`
}

type propertyDoc struct {
	Type            json.RawMessage `json:"type"`
	Format          string          `json:"format"`
	ContentEncoding string          `json:"contentEncoding"`
	Mapping         string          `json:"mapping"`
}

// Parse reads a JSON Schema document carrying the arrayPath and mapping extensions.
func Parse(doc []byte) (*Schema, error) {
	var sd schemaDoc
	if err := json.Unmarshal(doc, &sd); err != nil {
		return nil, errors.Wrap(err, "schema is not valid json")
	}
	if len(sd.Properties) == 0 {
		return nil, errors.New("schema declares no properties")
	}

	s := &Schema{Required: sd.Required}
	required := make(map[string]bool, len(sd.Required))
	for _, name := range sd.Required {
		if _, ok := sd.Properties[name]; !ok {
			return nil, errors.Errorf("required field %s is not a declared property", name)
		}
		required[name] = true
	}
	for name := range sd.Mapping {
		if _, ok := sd.Properties[name]; !ok {
			return nil, errors.Errorf("mapping for %s does not match a declared property", name)
		}
	}

	for name, pd := range sd.Properties {
		typ, err := propertyType(pd.Type)
		if err != nil {
			return nil, errors.WithMessagef(err, "property %s", name)
		}
		p := &Property{
			Name:            name,
			Type:            typ,
			Format:          pd.Format,
			ContentEncoding: pd.ContentEncoding,
			Required:        required[name],
		}
		mapping := pd.Mapping
		if m, ok := sd.Mapping[name]; ok {
			mapping = m
		}
		if mapping != "" {
			if p.Mapping, err = Compile(mapping); err != nil {
				return nil, errors.WithMessagef(err, "mapping for property %s", name)
			}
		}
		s.Properties = append(s.Properties, p)
	}
	sort.Slice(s.Properties, func(i, j int) bool { return s.Properties[i].Name < s.Properties[j].Name })

	if sd.ArrayPath != "" {
		p, err := Compile(sd.ArrayPath)
		if err != nil {
			return nil, errors.WithMessage(err, "arrayPath")
		}
		s.ArrayPath = p
	}

	v, err := s.compileValidator(doc)
	if err != nil {
		return nil, err
	}
	s.validator = v
	return s, nil
}

// Required fields are left out of the validator: they may come from array elements or mappings, and a row that
// lacks one is skipped by the completeness check after extraction rather than counted as invalid.
func (s *Schema) compileValidator(doc []byte) (*gojsonschema.Schema, error) {
	var raw map[string]any
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, errors.WithStack(err)
	}
	delete(raw, "required")
	v, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "invalid json schema")
	}
	return v, nil
}

// Validate returns the schema violations found in payload. It returns an error only if payload cannot be read.
func (s *Schema) Validate(payload []byte) ([]string, error) {
	result, err := s.validator.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, len(result.Errors()))
	for i, e := range result.Errors() {
		violations[i] = e.String()
	}
	return violations, nil
}

// TimestampProperty returns the first timestamp property in column order, or nil.
func (s *Schema) TimestampProperty() *Property {
	for _, p := range s.Properties {
		if p.IsTimestamp() {
			return p
		}
	}
	return nil
}

// Property looks up a property by name.
func (s *Schema) Property(name string) *Property {
	for _, p := range s.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

var knownTypes = map[string]bool{
	TypeString: true, TypeInteger: true, TypeNumber: true, TypeBoolean: true, TypeObject: true, TypeArray: true,
}

// propertyType accepts "type": "x" and "type": ["x", "null"], returning the first non-null type.
func propertyType(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var types []string
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		types = []string{single}
	} else if err := json.Unmarshal(raw, &types); err != nil {
		return "", errors.Errorf("unsupported type %s", string(raw))
	}
	for _, t := range types {
		if t == "null" {
			continue
		}
		if !knownTypes[t] {
			return "", errors.Errorf("unsupported type %s", t)
		}
		return t, nil
	}
	return "", nil
}
