package config

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// createDecl is the shape check for create block labels.
type createDecl struct {
	Kind string `validate:"required,resource_name"`
	Name string `validate:"required,resource_name"`
}

// discoverDecl requires either a file location or a provider to query.
type discoverDecl struct {
	Name     string `validate:"required,resource_name"`
	Location string `validate:"required_without=Provider"`
	Provider string `validate:"required_without=Location"`
}

// variableShape restricts variable names and declared types.
type variableShape struct {
	Name string `validate:"required,resource_name"`
	Type string `validate:"omitempty,oneof=string number bool list map"`
}

type declValidator struct {
	v *validator.Validate
}

func newDeclValidator() *declValidator {
	v := validator.New()
	// Resource and variable names must be lower snake case so node IDs stay
	// stable across formatting tools.
	_ = v.RegisterValidation("resource_name", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	return &declValidator{v: v}
}

func (d *declValidator) check(decl interface{}, path string, line int) error {
	err := d.v.Struct(decl)
	if err == nil {
		return nil
	}
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		first := errs[0]
		return engine.NewPermanentError(
			fmt.Sprintf("invalid declaration: field %s fails %q", first.Field(), first.Tag()), err).
			WithCode(engine.ErrCodeValidation).
			WithSource(path, line)
	}
	return engine.NewPermanentError("invalid declaration", err).
		WithCode(engine.ErrCodeValidation).
		WithSource(path, line)
}
