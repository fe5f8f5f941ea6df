// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package themes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deltarepo/services/filelog"
	"github.com/AleutianAI/deltarepo/services/persist"
	"github.com/AleutianAI/deltarepo/services/repository"
)

func TestCSSColor(t *testing.T) {
	tests := []struct {
		name  string
		hex   string
		alpha float64
		want  string
	}{
		{name: "six digits opaque", hex: "#123456", alpha: 1, want: "#123456"},
		{name: "uppercase trimmed", hex: "  #ABCDEF ", alpha: 1, want: "#abcdef"},
		{name: "no hash", hex: "abcdef", alpha: 1, want: "#abcdef"},
		{name: "three digits", hex: "#fa0", alpha: 1, want: "#ffaa00"},
		{name: "fallback alpha", hex: "#123456", alpha: 0.5, want: "rgb(18 52 86 / 0.5)"},
		{name: "alpha rounded", hex: "#000000", alpha: 1.0 / 3, want: "rgb(0 0 0 / 0.333)"},
		{name: "alpha clamped high", hex: "#000000", alpha: 7, want: "#000000"},
		{name: "alpha clamped low", hex: "#ffffff", alpha: -1, want: "rgb(255 255 255 / 0)"},
		{name: "eight digits override", hex: "#11223380", alpha: 1, want: "rgb(17 34 51 / 0.502)"},
		{name: "eight digits opaque", hex: "#112233ff", alpha: 0.1, want: "#112233"},
		{name: "four digits", hex: "#f008", alpha: 1, want: "rgb(255 0 0 / 0.533)"},
		{name: "four digits opaque", hex: "#f00f", alpha: 1, want: "#ff0000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CSSColor(tt.hex, tt.alpha)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCSSColor_Invalid(t *testing.T) {
	for _, hex := range []string{"", "#12", "#12345", "#1234567", "#gggggg", "#zzz"} {
		_, err := CSSColor(hex, 1)
		assert.ErrorIs(t, err, ErrInvalidHex, hex)
	}
}

func TestExportCSS(t *testing.T) {
	models := []repository.Model{
		{ID: "a", Fields: repository.Fields{"hex": "#123456", "alpha": 0.5, "name": "--test-name"}},
		{ID: "b", Fields: repository.Fields{"hex": "#fff", "alpha": 1, "name": "--bg"}},
		{ID: "c", Fields: repository.Fields{"hex": "#000", "name": "--fg"}},
	}

	css, err := ExportCSS(models)
	require.NoError(t, err)
	assert.Equal(t, ":root {\n  --test-name: rgb(18 52 86 / 0.5);\n  --bg: #ffffff;\n  --fg: #000000;\n}", css)

	css, err = ExportCSS(nil)
	require.NoError(t, err)
	assert.Equal(t, ":root {\n}", css)
}

func TestExportCSS_Errors(t *testing.T) {
	_, err := ExportCSS([]repository.Model{{ID: "a", Fields: repository.Fields{"hex": "nope", "name": "--x"}}})
	assert.ErrorIs(t, err, ErrInvalidHex)

	_, err = ExportCSS([]repository.Model{{ID: "a", Fields: repository.Fields{"hex": 12}}})
	assert.Error(t, err)
}

func TestNewColor(t *testing.T) {
	assert.Equal(t, repository.Fields{"hex": DefaultHex, "alpha": 1.0, "name": ""}, NewColor(""))
	assert.Equal(t, "#abcdef", NewColor("#abcdef")["hex"])
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	ctx := context.Background()

	tests := []struct {
		name       string
		fields     repository.Fields
		wantFields []string
	}{
		{name: "valid", fields: repository.Fields{"hex": "#123456", "alpha": 0.5, "name": "--a"}},
		{name: "valid short hex", fields: repository.Fields{"hex": "#fff", "alpha": 1, "name": "--a"}},
		{name: "new color needs a name", fields: NewColor(""), wantFields: []string{"name"}},
		{name: "bad name", fields: repository.Fields{"hex": "#fff", "alpha": 1, "name": "accent"}, wantFields: []string{"name"}},
		{name: "bad hex", fields: repository.Fields{"hex": "red", "alpha": 1, "name": "--a"}, wantFields: []string{"hex"}},
		{name: "alpha range", fields: repository.Fields{"hex": "#fff", "alpha": 1.5, "name": "--a"}, wantFields: []string{"alpha"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, issues, err := v.Validate(ctx, repository.Delta{}, repository.Model{ID: "c", Fields: tt.fields})
			require.NoError(t, err)
			got := make([]string, 0, len(issues))
			for _, issue := range issues {
				got = append(got, issue.Field)
			}
			assert.ElementsMatch(t, tt.wantFields, got)
		})
	}
}

func TestValidator_DrivesReconciler(t *testing.T) {
	log, err := filelog.Open(t.TempDir(), nil)
	require.NoError(t, err)
	r, err := persist.NewReconciler(log, NewValidator(), persist.WithSnapshots(log))
	require.NoError(t, err)

	ctx := context.Background()
	store := repository.NewModelStore()
	created := store.Create(NewColor("#336699"))

	res, err := r.Save(ctx, created)
	require.NoError(t, err)
	assert.False(t, res.Success, "empty name is rejected")

	fixed := created
	fixed.Payload = created.Payload.Clone()
	fixed.Payload["name"] = "--brand"
	res, err = r.Save(ctx, fixed)
	require.NoError(t, err)
	require.True(t, res.Success)

	groups, err := log.LoadAll(ctx)
	require.NoError(t, err)
	models, err := repository.ReduceGroupedToSlice(groups)
	require.NoError(t, err)

	css, err := ExportCSS(models)
	require.NoError(t, err)
	assert.Equal(t, ":root {\n  --brand: #336699;\n}", css)
}
