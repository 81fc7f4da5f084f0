package model

import "fmt"

// ParseError means the payload was not valid JSON.
type ParseError struct {
	Topic string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("payload on topic %s is not valid json: %s", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaValidationError lists the schema violations found in a payload.
type SchemaValidationError struct {
	Topic      string
	Violations []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("payload on topic %s failed schema validation: %v", e.Topic, e.Violations)
}

// TableResolutionError means no usable table name could be derived for a payload.
type TableResolutionError struct {
	Path   string
	Reason string
}

func (e *TableResolutionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("could not resolve table name: %s", e.Reason)
	}
	return fmt.Sprintf("could not resolve table name from %s: %s", e.Path, e.Reason)
}

// FieldExtractionError means a field value could not be coerced to the type its schema property declares.
type FieldExtractionError struct {
	Field string
	Err   error
}

func (e *FieldExtractionError) Error() string {
	return fmt.Sprintf("could not extract field %s: %s", e.Field, e.Err)
}

func (e *FieldExtractionError) Unwrap() error { return e.Err }

// MissingRequiredFieldError means a required field was absent or null after extraction.
type MissingRequiredFieldError struct {
	Field string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("required field %s is missing or null", e.Field)
}

// ConnectionError marks a write failure that is expected to clear once the database is reachable again.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database connection error: %s", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NonRecoverableWriteError marks a write failure that retrying the same rows cannot fix.
type NonRecoverableWriteError struct {
	Table string
	Rows  int
	Err   error
}

func (e *NonRecoverableWriteError) Error() string {
	return fmt.Sprintf("dropping %d rows for table %s: %s", e.Rows, e.Table, e.Err)
}

func (e *NonRecoverableWriteError) Unwrap() error { return e.Err }
