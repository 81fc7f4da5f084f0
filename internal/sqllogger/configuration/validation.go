package configuration

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/armadaproject/sqllogger/internal/common/armadaerrors"
)

// ApplyDefaults fills unset values on every pipeline.
func (c *SqlLoggerConfiguration) ApplyDefaults() {
	for i := range c.Pipelines {
		c.Pipelines[i].ApplyDefaults()
	}
}

func (c SqlLoggerConfiguration) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	var result *multierror.Error
	names := make(map[string]bool, len(c.Pipelines))
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if names[p.Name] {
			result = multierror.Append(result, invalid(p.Name, "Name", "is used by more than one pipeline"))
		}
		names[p.Name] = true
		if err := p.validateRules(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Validate checks a single pipeline on its own.
func (p PipelineConfig) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return err
	}
	return p.validateRules()
}

func (p *PipelineConfig) validateRules() error {
	var result *multierror.Error
	switch {
	case p.TableName != "" && p.TableNameJsonPath != "":
		result = multierror.Append(result, invalid(p.Name, "TableName", "cannot be combined with TableNameJsonPath"))
	case p.TableName == "" && p.TableNameJsonPath == "":
		result = multierror.Append(result, invalid(p.Name, "TableName", "either TableName or TableNameJsonPath must be set"))
	}
	switch {
	case p.Schema != "" && p.SchemaFile != "":
		result = multierror.Append(result, invalid(p.Name, "Schema", "cannot be combined with SchemaFile"))
	case p.Schema == "" && p.SchemaFile == "":
		result = multierror.Append(result, invalid(p.Name, "Schema", "either Schema or SchemaFile must be set"))
	}
	if p.Queue.Kind == QueueDisk && p.Queue.DiskPath == "" {
		result = multierror.Append(result, invalid(p.Name, "Queue.DiskPath", "is required for DISK queues"))
	}
	if p.AutoCreateTable && !p.HasFixedTable() {
		result = multierror.Append(result, invalid(p.Name, "AutoCreateTable", "requires a fixed TableName"))
	}
	return result.ErrorOrNil()
}

func invalid(pipeline, field, message string) error {
	return &armadaerrors.ErrInvalidArgument{
		Name:    field,
		Value:   pipeline,
		Message: fmt.Sprintf("pipeline %s: %s", pipeline, message),
	}
}
