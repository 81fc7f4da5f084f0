package schema

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

// Outcome summarises what happened to one entry.
type Outcome struct {
	// Rows produced, each counted as a validated message.
	Validated int
	// Entries, or array elements, dropped after passing validation.
	Skipped int
	// Set when the payload was not valid JSON or violated the schema.
	Invalid bool
	// The reason for the last drop, if any.
	Err error
}

// Extractor turns raw entries into rows. It is used by a single pipeline loop and is not safe for concurrent use.
type Extractor struct {
	schema *Schema
	tables *TableResolver
	clock  clock.PassiveClock
}

func NewExtractor(schema *Schema, tables *TableResolver, clock clock.PassiveClock) *Extractor {
	return &Extractor{schema: schema, tables: tables, clock: clock}
}

func (e *Extractor) Schema() *Schema {
	return e.schema
}

func (e *Extractor) Tables() *TableResolver {
	return e.tables
}

// Extract parses, validates and expands entry. Failures are reported through the Outcome and never returned.
func (e *Extractor) Extract(entry *model.RawEntry) ([]*model.BufferedRow, Outcome) {
	doc, err := decode(entry.Payload)
	if err != nil {
		return nil, Outcome{Invalid: true, Err: &model.ParseError{Topic: entry.Topic, Err: err}}
	}
	violations, err := e.schema.Validate(entry.Payload)
	if err != nil {
		return nil, Outcome{Invalid: true, Err: &model.ParseError{Topic: entry.Topic, Err: err}}
	}
	if len(violations) > 0 {
		return nil, Outcome{Invalid: true, Err: &model.SchemaValidationError{Topic: entry.Topic, Violations: violations}}
	}

	table, err := e.tables.Resolve(doc)
	if err != nil {
		return nil, Outcome{Skipped: 1, Err: err}
	}

	candidates, out := e.candidates(doc)
	rows := make([]*model.BufferedRow, 0, len(candidates))
	for _, candidate := range candidates {
		row, err := e.row(table, entry.Topic, candidate)
		if err != nil {
			out.Skipped++
			out.Err = err
			continue
		}
		rows = append(rows, row)
	}
	out.Validated = len(rows)
	return rows, out
}

// candidates returns the documents rows are extracted from: the payload itself, or one per array element.
func (e *Extractor) candidates(doc any) ([]any, Outcome) {
	if e.schema.ArrayPath == nil {
		return []any{doc}, Outcome{}
	}
	path := e.schema.ArrayPath
	found := path.Find(doc)
	var elements []any
	switch {
	case path.Wildcard():
		elements = found
	case len(found) == 1:
		arr, ok := found[0].([]any)
		if !ok {
			return nil, Outcome{Skipped: 1, Err: errors.Errorf("%s does not select an array", path)}
		}
		elements = arr
	}
	if len(elements) == 0 {
		return nil, Outcome{Skipped: 1, Err: errors.Errorf("%s selects no elements", path)}
	}

	root, _ := doc.(map[string]any)
	var out Outcome
	candidates := make([]any, 0, len(elements))
	for _, element := range elements {
		fields, ok := element.(map[string]any)
		if !ok {
			out.Skipped++
			out.Err = errors.Errorf("element of %s is not an object", path)
			continue
		}
		merged := make(map[string]any, len(root)+len(fields))
		for k, v := range root {
			if isScalar(v) {
				merged[k] = v
			}
		}
		for k, v := range fields {
			merged[k] = v
		}
		candidates = append(candidates, merged)
	}
	return candidates, out
}

func (e *Extractor) row(table string, topic string, doc any) (*model.BufferedRow, error) {
	obj, _ := doc.(map[string]any)
	now := e.clock.Now().UTC()
	row := &model.BufferedRow{
		Table:     table,
		Fields:    make(map[string]any, len(e.schema.Properties)),
		Timestamp: now,
		Topic:     topic,
	}
	tsProperty := e.schema.TimestampProperty()

	for _, p := range e.schema.Properties {
		var value any
		var ok bool
		if p.Mapping != nil {
			value, ok = p.Mapping.First(doc)
		} else if obj != nil {
			value, ok = obj[p.Name]
		}
		if !ok || value == nil {
			if p.Format == FormatTimestamp {
				row.Fields[p.Name] = now
			}
			continue
		}
		coerced, err := coerce(p, value)
		if err != nil {
			return nil, &model.FieldExtractionError{Field: p.Name, Err: err}
		}
		row.Fields[p.Name] = coerced
		if p == tsProperty {
			row.Timestamp = coerced.(time.Time)
		}
	}

	for _, name := range e.schema.Required {
		if v, ok := row.Fields[name]; !ok || v == nil {
			return nil, &model.MissingRequiredFieldError{Field: name}
		}
	}
	return row, nil
}

func decode(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after json value")
	}
	return doc, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	return true
}
