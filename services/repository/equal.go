// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"encoding/json"
	"math"
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// valueOptions holds the cmp options behind ValuesEqual. It is assigned in
// init because containersEqual refers back to it.
var valueOptions cmp.Options

func init() {
	valueOptions = cmp.Options{
		cmp.FilterValues(bothNil, cmp.Comparer(func(_, _ any) bool { return true })),
		cmp.FilterValues(bothNumbers, cmp.Comparer(numbersEqual)),
		cmp.FilterValues(mixedContainers, cmp.Comparer(containersEqual)),
		cmpopts.IgnoreMapEntries(func(_ string, v any) bool { return isNil(v) }),
		cmp.Exporter(func(reflect.Type) bool { return true }),
	}
}

// FieldsEqual reports whether two payloads are structurally equal.
//
// A key holding nil is equal to an absent key. See ValuesEqual for the
// rules applied to each value.
func FieldsEqual(a, b Fields) bool {
	if a == nil {
		a = Fields{}
	}
	if b == nil {
		b = Fields{}
	}
	return cmp.Equal(a, b, valueOptions)
}

// ValuesEqual compares two field values structurally.
//
// Rules:
//   - nil, nil pointers, nil maps and nil slices are all equal to each other.
//   - Numbers compare by value across kinds, so int(1), float64(1) and
//     json.Number("1") are equal.
//   - Maps with string keys compare key by key, independent of order, with
//     nil equal to absent.
//   - Slices and arrays compare element by element, in order, even when
//     their element types differ.
//   - Anything else compares with cmp.Equal, unexported fields included.
func ValuesEqual(a, b any) bool {
	return cmp.Equal(a, b, valueOptions)
}

func isNil(v any) bool {
	return !unwrap(reflect.ValueOf(v)).IsValid()
}

func bothNil(x, y any) bool {
	return isNil(x) && isNil(y)
}

func bothNumbers(x, y any) bool {
	_, xNum := numberOf(x)
	_, yNum := numberOf(y)
	return xNum && yNum
}

func numbersEqual(x, y any) bool {
	nx, _ := numberOf(x)
	ny, _ := numberOf(y)
	return nx.equal(ny)
}

func numberOf(v any) (number, bool) {
	rv := unwrap(reflect.ValueOf(v))
	if !rv.IsValid() {
		return number{}, false
	}
	return toNumber(rv)
}

type containerKind int

const (
	notContainer containerKind = iota
	sequenceContainer
	stringMapContainer
)

func containerOf(v reflect.Value) containerKind {
	if !v.IsValid() {
		return notContainer
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return sequenceContainer
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String {
			return stringMapContainer
		}
	}
	return notContainer
}

// mixedContainers matches sequences or string-keyed maps whose Go types
// differ, such as []any against []int. cmp treats those as unequal.
func mixedContainers(x, y any) bool {
	if reflect.TypeOf(x) == reflect.TypeOf(y) {
		return false
	}
	kx := containerOf(unwrap(reflect.ValueOf(x)))
	return kx != notContainer && kx == containerOf(unwrap(reflect.ValueOf(y)))
}

func containersEqual(x, y any) bool {
	a, b := unwrap(reflect.ValueOf(x)), unwrap(reflect.ValueOf(y))
	if containerOf(a) == stringMapContainer {
		return cmp.Equal(stringMap(a), stringMap(b), valueOptions)
	}
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if !ValuesEqual(a.Index(i).Interface(), b.Index(i).Interface()) {
			return false
		}
	}
	return true
}

func stringMap(m reflect.Value) map[string]any {
	out := make(map[string]any, m.Len())
	iter := m.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out
}

// unwrap strips interfaces and pointers. Nil containers become the zero Value.
func unwrap(v reflect.Value) reflect.Value {
	for v.IsValid() {
		switch v.Kind() {
		case reflect.Interface, reflect.Pointer:
			if v.IsNil() {
				return reflect.Value{}
			}
			v = v.Elem()
		case reflect.Map, reflect.Slice:
			if v.IsNil() {
				return reflect.Value{}
			}
			return v
		default:
			return v
		}
	}
	return v
}

type numberKind int

const (
	numberInt numberKind = iota
	numberUint
	numberFloat
)

type number struct {
	kind numberKind
	i    int64
	u    uint64
	f    float64
}

var jsonNumberType = reflect.TypeOf(json.Number(""))

func toNumber(v reflect.Value) (number, bool) {
	if v.Type() == jsonNumberType {
		s := v.String()
		if i, err := json.Number(s).Int64(); err == nil {
			return number{kind: numberInt, i: i}, true
		}
		if f, err := json.Number(s).Float64(); err == nil {
			return number{kind: numberFloat, f: f}, true
		}
		return number{}, false
	}

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{kind: numberInt, i: v.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return number{kind: numberUint, u: v.Uint()}, true
	case reflect.Float32, reflect.Float64:
		return number{kind: numberFloat, f: v.Float()}, true
	}
	return number{}, false
}

func (n number) equal(o number) bool {
	if n.kind > o.kind {
		n, o = o, n
	}
	switch {
	case n.kind == numberInt && o.kind == numberInt:
		return n.i == o.i
	case n.kind == numberUint && o.kind == numberUint:
		return n.u == o.u
	case n.kind == numberFloat && o.kind == numberFloat:
		return n.f == o.f
	case n.kind == numberInt && o.kind == numberUint:
		return n.i >= 0 && uint64(n.i) == o.u
	case n.kind == numberInt && o.kind == numberFloat:
		return o.f == math.Trunc(o.f) && o.f >= math.MinInt64 && o.f < math.MaxInt64 && int64(o.f) == n.i
	case n.kind == numberUint && o.kind == numberFloat:
		return o.f == math.Trunc(o.f) && o.f >= 0 && o.f < math.MaxUint64 && uint64(o.f) == n.u
	}
	return false
}
