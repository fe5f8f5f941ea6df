// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(mode Mode) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut, mode), &out, &errOut
}

func TestDetectMode(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, ModeJSON, DetectMode(&buf, true))
	assert.Equal(t, ModePlain, DetectMode(&buf, false))
}

func TestPrinter_Plain(t *testing.T) {
	p, out, errOut := newTestPrinter(ModePlain)

	p.Title("ignored")
	p.Success("saved %s", "c1")
	p.Record("c1", []Field{{Key: "hex", Value: "#fff"}, {Key: "name", Value: "--bg"}})
	p.Muted("2 models")
	p.Warning("slow %d", 3)
	p.Error("boom")

	assert.Equal(t, "OK: saved c1\nc1 hex=#fff name=--bg\n2 models\n", out.String())
	assert.Equal(t, "WARN: slow 3\nERROR: boom\n", errOut.String())
}

func TestPrinter_JSONKeepsStdoutParseable(t *testing.T) {
	p, out, errOut := newTestPrinter(ModeJSON)

	p.Title("ignored")
	p.Success("saved")
	p.Muted("ignored")
	p.Record("c1", []Field{{Key: "k", Value: "v"}})
	require.NoError(t, p.Data(map[string]int{"n": 1}))

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, 1, decoded["n"])
	assert.Equal(t, "OK: saved\nc1 k=v\n", errOut.String())
}

func TestPrinter_Styled(t *testing.T) {
	p, out, errOut := newTestPrinter(ModeStyled)

	p.Title("Models")
	p.Success("saved")
	p.Record("c1", []Field{{Key: "hex", Value: "#fff"}, {Key: "alpha", Value: "1"}})
	p.Error("boom")

	assert.Contains(t, out.String(), "Models")
	assert.Contains(t, out.String(), "saved")
	assert.Contains(t, out.String(), "#fff")
	assert.Contains(t, out.String(), "alpha")
	assert.Contains(t, errOut.String(), "boom")
}

func TestPrinter_Raw(t *testing.T) {
	p, out, _ := newTestPrinter(ModeJSON)
	p.Raw(":root {\n}")
	assert.Equal(t, ":root {\n}", out.String())
}
