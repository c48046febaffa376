package config

import (
	_ "embed"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/poppobuilder/poppod/internal/apperrors"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaLoader  = gojsonschema.NewBytesLoader(schemaJSON)
	structValidate = validator.New()
)

// Diagnostic is one (path, message) entry in an InvalidConfig error's
// Details, per §4.1's contract.
type Diagnostic struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Validate checks raw JSON bytes against the closed-key-set schema
// (structural validation: closed set, enumerated strategies, ranges)
// and, once decoded, against the struct-tag constraints on Document
// (§11.2). It never mutates its input.
func Validate(raw []byte) (*Document, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InvalidConfig, err, "schema validation failed to run")
	}

	var diags []Diagnostic
	if !result.Valid() {
		for _, re := range result.Errors() {
			diags = append(diags, Diagnostic{Path: re.Field(), Message: re.Description()})
		}
	}

	doc, decodeErr := decode(raw)
	if decodeErr != nil {
		diags = append(diags, Diagnostic{Path: "$", Message: decodeErr.Error()})
	}

	if doc != nil {
		if verr := structValidate.Struct(doc); verr != nil {
			if ve, ok := verr.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					diags = append(diags, Diagnostic{
						Path:    fe.Namespace(),
						Message: fmt.Sprintf("failed constraint %q", fe.Tag()),
					})
				}
			} else {
				diags = append(diags, Diagnostic{Path: "$", Message: verr.Error()})
			}
		}
	}

	if len(diags) > 0 {
		details := make(map[string]any, len(diags))
		for i, d := range diags {
			details[fmt.Sprintf("%d", i)] = d
		}
		return nil, apperrors.New(apperrors.InvalidConfig, "configuration document failed validation").WithDetails(details)
	}

	return doc, nil
}
