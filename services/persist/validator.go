// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/AleutianAI/deltarepo/services/repository"
	"github.com/go-playground/validator/v10"
)

// Validator checks a materialized model before it is persisted.
type Validator interface {
	// Validate returns the sanitized model and any issues found.
	//
	// Inputs:
	//
	//	candidate - The delta being saved.
	//	model - The model after candidate was applied.
	//
	// Outputs:
	//
	//	repository.Model - The sanitized model. Only meaningful without issues.
	//	[]Issue - Field problems. Non-empty means the model is rejected.
	//	error - Infrastructure problems only.
	Validate(ctx context.Context, candidate repository.Delta, model repository.Model) (repository.Model, []Issue, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, candidate repository.Delta, model repository.Model) (repository.Model, []Issue, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, candidate repository.Delta, model repository.Model) (repository.Model, []Issue, error) {
	return f(ctx, candidate, model)
}

// StructValidator validates model fields against a Go struct with json and
// validate tags.
//
// The fields are decoded into T through encoding/json, checked with
// go-playground/validator, and re-encoded. The sanitized model therefore has
// exactly T's json fields: unknown keys are dropped and missing ones get
// T's zero values. Issue.Field uses json names.
//
// Thread Safety: Safe for concurrent use.
type StructValidator[T any] struct {
	validate *validator.Validate
}

// NewStructValidator creates a StructValidator. v may be nil; pass one to
// register custom tags.
func NewStructValidator[T any](v *validator.Validate) *StructValidator[T] {
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	v.RegisterTagNameFunc(jsonTagName)
	return &StructValidator[T]{validate: v}
}

// Validate implements Validator.
func (s *StructValidator[T]) Validate(ctx context.Context, _ repository.Delta, model repository.Model) (repository.Model, []Issue, error) {
	raw, err := json.Marshal(model.Fields)
	if err != nil {
		return repository.Model{}, nil, fmt.Errorf("encode fields of %s: %w", model.ID, err)
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return repository.Model{}, []Issue{{
				Field:   typeErr.Field,
				Tag:     "type",
				Param:   typeErr.Type.String(),
				Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
			}}, nil
		}
		return repository.Model{}, nil, fmt.Errorf("decode fields of %s: %w", model.ID, err)
	}

	if err := s.validate.StructCtx(ctx, &value); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return repository.Model{}, issuesFromValidation(verrs), nil
		}
		return repository.Model{}, nil, fmt.Errorf("validate %s: %w", model.ID, err)
	}

	clean, err := json.Marshal(value)
	if err != nil {
		return repository.Model{}, nil, fmt.Errorf("encode sanitized %s: %w", model.ID, err)
	}
	var fields repository.Fields
	if err := json.Unmarshal(clean, &fields); err != nil {
		return repository.Model{}, nil, fmt.Errorf("decode sanitized %s: %w", model.ID, err)
	}

	return repository.Model{ID: model.ID, UpdatedAt: model.UpdatedAt, Fields: fields}, nil, nil
}

func issuesFromValidation(verrs validator.ValidationErrors) []Issue {
	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, Issue{
			Field:   fieldPath(fe.Namespace()),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: issueMessage(fe),
		})
	}
	return issues
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func issueMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "hexcolor":
		return "must be a hex color"
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte", "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

func jsonTagName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return field.Name
	}
	return name
}
