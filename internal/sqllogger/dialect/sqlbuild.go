package dialect

import (
	"fmt"
	"strings"

	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
	"github.com/armadaproject/sqllogger/internal/sqllogger/schema"
)

// typeMap names the column types of a database.
type typeMap struct {
	Text      string
	KeyText   string // text that can be part of a unique key
	Float     string
	Integer   string
	Boolean   string
	Timestamp string
	Binary    string
}

// Flavour holds what differs between SQL databases when building statements and reading driver errors.
type Flavour struct {
	Name       string
	Types      typeMap
	QuoteOpen  string
	QuoteClose string
	// Identifiers are folded to upper case before quoting.
	UpperCase bool
	// Placeholder returns the bind marker of the i-th argument, counting from 1.
	Placeholder func(i int) string
	// Bind converts a value before it is handed to the driver. Optional.
	Bind func(v any) any
	// CreateTable returns the statements that create t when it does not exist.
	CreateTable       func(f *Flavour, t tableDef) []string
	IsDuplicate       func(err error) bool
	IsTableNotFound   func(err error) bool
	IsConnectionError func(err error) bool
}

type column struct {
	Name string
	// Field is the key in BufferedRow.Fields. Empty for the topic column.
	Field    string
	Property *schema.Property
	NotNull  bool
}

type tableDef struct {
	Name      string
	Columns   []column
	Timestamp string
	Unique    []string
}

// Ident applies the flavour's case folding.
func (f *Flavour) Ident(name string) string {
	if f.UpperCase {
		return strings.ToUpper(name)
	}
	return name
}

// Quote quotes a possibly schema qualified identifier.
func (f *Flavour) Quote(name string) string {
	parts := strings.Split(f.Ident(name), ".")
	for i, p := range parts {
		parts[i] = f.QuoteOpen + p + f.QuoteClose
	}
	return strings.Join(parts, ".")
}

func (f *Flavour) columnType(c column, unique map[string]bool) string {
	p := c.Property
	switch {
	case p == nil:
		return f.Types.KeyText
	case p.IsTimestamp():
		return f.Types.Timestamp
	}
	switch p.Type {
	case schema.TypeInteger:
		return f.Types.Integer
	case schema.TypeNumber:
		return f.Types.Float
	case schema.TypeBoolean:
		return f.Types.Boolean
	case schema.TypeString:
		if p.ContentEncoding == schema.EncodingBase64 {
			return f.Types.Binary
		}
		if unique[c.Name] {
			return f.Types.KeyText
		}
	}
	return f.Types.Text
}

// columnsFor lists the columns of a table in insert order: the schema properties by name, then the topic column.
func columnsFor(f *Flavour, s *schema.Schema, topicColumn string) []column {
	cols := make([]column, 0, len(s.Properties)+1)
	for _, p := range s.Properties {
		cols = append(cols, column{
			Name:     f.Ident(p.Name),
			Field:    p.Name,
			Property: p,
			NotNull:  p.Required || p.Format == schema.FormatTimestamp,
		})
	}
	if topicColumn != "" {
		cols = append(cols, column{Name: f.Ident(topicColumn)})
	}
	return cols
}

func newTableDef(f *Flavour, table string, s *schema.Schema, topicColumn string, unique []string) tableDef {
	t := tableDef{Name: table, Columns: columnsFor(f, s, topicColumn)}
	if ts := s.TimestampProperty(); ts != nil {
		t.Timestamp = f.Ident(ts.Name)
	}
	for _, u := range unique {
		t.Unique = append(t.Unique, f.Ident(u))
	}
	return t
}

func (f *Flavour) columnDefs(t tableDef) []string {
	unique := make(map[string]bool, len(t.Unique))
	for _, u := range t.Unique {
		unique[u] = true
	}
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def := f.Quote(c.Name) + " " + f.columnType(c, unique)
		if c.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(t.Unique) > 0 {
		defs = append(defs, "UNIQUE ("+f.quoteAll(t.Unique)+")")
	}
	return defs
}

func (f *Flavour) quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = f.Quote(n)
	}
	return strings.Join(quoted, ", ")
}

func (f *Flavour) createTableBody(t tableDef) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", f.Quote(t.Name), strings.Join(f.columnDefs(t), ", "))
}

// indexName derives the timestamp index name from the unqualified table name.
func indexName(table, col string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		table = table[i+1:]
	}
	return table + "_" + col + "_idx"
}

// standardCreateTable works for databases supporting IF NOT EXISTS on both tables and indexes.
func standardCreateTable(f *Flavour, t tableDef) []string {
	stmts := []string{f.createTableBody(t)}
	if t.Timestamp != "" {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			f.QuoteOpen+indexName(t.Name, t.Timestamp)+f.QuoteClose, f.Quote(t.Name), f.Quote(t.Timestamp)))
	}
	return stmts
}

func buildInsert(f *Flavour, table string, cols []column) string {
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		names[i] = f.Quote(c.Name)
		marks[i] = f.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", f.Quote(table), strings.Join(names, ", "), strings.Join(marks, ", "))
}

func rowArgs(f *Flavour, cols []column, row *model.BufferedRow) []any {
	args := make([]any, len(cols))
	for i, c := range cols {
		var v any
		if c.Field == "" {
			v = row.Topic
		} else {
			v = row.Fields[c.Field]
		}
		if f.Bind != nil {
			v = f.Bind(v)
		}
		args[i] = v
	}
	return args
}

func dollarPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }
func questionPlaceholder(int) string { return "?" }
func atPlaceholder(i int) string { return fmt.Sprintf("@p%d", i) }
func colonPlaceholder(i int) string { return fmt.Sprintf(":%d", i) }
