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
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/deltarepo/services/repository"
)

// ErrInvalidHex is returned for hex strings that are not 3, 4, 6 or 8 hex
// digits.
var ErrInvalidHex = errors.New("invalid hex color")

// ExportCSS renders models as a :root block of custom properties, one line
// per model in the order given.
func ExportCSS(models []repository.Model) (string, error) {
	var b strings.Builder
	b.WriteString(":root {\n")
	for _, m := range models {
		c, err := Decode(m)
		if err != nil {
			return "", err
		}
		value, err := CSSColor(c.Hex, c.Alpha)
		if err != nil {
			return "", fmt.Errorf("color %s: %w", m.ID, err)
		}
		fmt.Fprintf(&b, "  %s: %s;\n", c.Name, value)
	}
	b.WriteString("}")
	return b.String(), nil
}

// CSSColor converts hex to a CSS color. An alpha channel in hex overrides
// fallbackAlpha. Opaque colors render as #rrggbb, translucent ones as
// rgb(r g b / a) with a rounded to three decimals.
func CSSColor(hex string, fallbackAlpha float64) (string, error) {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hex), "#"))

	var digits string
	switch len(h) {
	case 3, 4:
		var sb strings.Builder
		for _, c := range h {
			sb.WriteRune(c)
			sb.WriteRune(c)
		}
		digits = sb.String()
	case 6, 8:
		digits = h
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHex, hex)
	}

	channels := make([]uint64, 0, 4)
	for i := 0; i < len(digits); i += 2 {
		v, err := strconv.ParseUint(digits[i:i+2], 16, 8)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidHex, hex)
		}
		channels = append(channels, v)
	}

	alpha := fallbackAlpha
	if len(channels) == 4 {
		alpha = float64(channels[3]) / 255
	}
	alpha = math.Max(0, math.Min(1, alpha))

	if alpha < 1 {
		rounded := math.Round(alpha*1000) / 1000
		return fmt.Sprintf("rgb(%d %d %d / %s)", channels[0], channels[1], channels[2],
			strconv.FormatFloat(rounded, 'f', -1, 64)), nil
	}
	return "#" + digits[:6], nil
}
