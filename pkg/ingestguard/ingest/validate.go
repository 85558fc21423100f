package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
)

//go:embed schemas/lead.json
var leadSchema []byte

// Validator checks a payload for one provider. Failures are returned as
// KindValidation errors.
type Validator interface {
	Validate(body []byte) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(body []byte) error

// Validate calls f(body).
func (f ValidatorFunc) Validate(body []byte) error {
	return f(body)
}

// SchemaValidator validates payloads against a compiled JSON Schema.
type SchemaValidator struct {
	name   string
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles schema. name is used in error messages.
func NewSchemaValidator(name string, schema []byte) (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", name, err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &SchemaValidator{name: name, schema: compiled}, nil
}

// NewLeadValidator returns the validator for lead intake payloads: contact
// must be an object carrying a phone or an email.
func NewLeadValidator() (*SchemaValidator, error) {
	return NewSchemaValidator("lead", leadSchema)
}

// Validate implements Validator.
func (v *SchemaValidator) Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return igerrors.Validation("body", "malformed JSON")
	}
	if err := v.schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return igerrors.Validation(fieldOf(verr), "does not match "+v.name+" schema")
		}
		return igerrors.Validation("body", err.Error())
	}
	return nil
}

// fieldOf names the instance location of the first leaf failure.
func fieldOf(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	if len(verr.InstanceLocation) == 0 {
		return "body"
	}
	return strings.Join(verr.InstanceLocation, ".")
}

// requireJSON rejects bodies that are not well-formed JSON.
func requireJSON(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
		return igerrors.Validation("body", "malformed JSON")
	}
	return nil
}
