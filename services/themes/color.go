// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package themes defines the color schema stored in a theme repository and
// renders it as CSS custom properties.
package themes

import (
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/deltarepo/services/persist"
	"github.com/AleutianAI/deltarepo/services/repository"
)

// DefaultHex is the color given to new definitions.
const DefaultHex = "#000000"

// ColorDefinition is one named theme color.
type ColorDefinition struct {
	// Hex is #RGB, #RGBA, #RRGGBB or #RRGGBBAA.
	Hex string `json:"hex" validate:"required,hexcolor"`

	// Alpha applies when Hex carries no alpha channel.
	Alpha float64 `json:"alpha" validate:"gte=0,lte=1"`

	// Name is the CSS custom property, e.g. "--accent".
	Name string `json:"name" validate:"required,startswith=--"`
}

// NewValidator returns a validator for color models.
func NewValidator() *persist.StructValidator[ColorDefinition] {
	return persist.NewStructValidator[ColorDefinition](nil)
}

// NewColor returns the fields of a fresh color. An empty hex uses DefaultHex.
func NewColor(hex string) repository.Fields {
	if hex == "" {
		hex = DefaultHex
	}
	return repository.Fields{
		"hex":   hex,
		"alpha": 1.0,
		"name":  "",
	}
}

// Decode reads a ColorDefinition from model fields. A missing alpha is 1.
func Decode(m repository.Model) (ColorDefinition, error) {
	raw, err := json.Marshal(m.Fields)
	if err != nil {
		return ColorDefinition{}, fmt.Errorf("encode color %s: %w", m.ID, err)
	}
	c := ColorDefinition{Alpha: 1}
	if err := json.Unmarshal(raw, &c); err != nil {
		return ColorDefinition{}, fmt.Errorf("decode color %s: %w", m.ID, err)
	}
	return c, nil
}
