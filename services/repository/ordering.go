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

import "sort"

// InsertSorted inserts d into a timestamp-sorted stream and returns the
// extended stream.
//
// d goes after every element with a timestamp <= d.Timestamp, so deltas with
// equal timestamps keep their arrival order. The input slice may be reused.
//
// O(log n) search, O(n) shift.
func InsertSorted(stream []Delta, d Delta) []Delta {
	i := sort.Search(len(stream), func(i int) bool {
		return stream[i].Timestamp > d.Timestamp
	})
	stream = append(stream, Delta{})
	copy(stream[i+1:], stream[i:])
	stream[i] = d
	return stream
}

// SliceAfter returns the suffix of a sorted stream whose timestamps are
// strictly greater than cutoff.
//
// The returned slice aliases stream. The bool is false when the stream is
// empty or every delta is at or before cutoff.
func SliceAfter(stream []Delta, cutoff int64) ([]Delta, bool) {
	i := sort.Search(len(stream), func(i int) bool {
		return stream[i].Timestamp > cutoff
	})
	if i >= len(stream) {
		return nil, false
	}
	return stream[i:], true
}

// IsSorted reports whether stream is non-decreasing by timestamp.
func IsSorted(stream []Delta) bool {
	for i := 1; i < len(stream); i++ {
		if stream[i].Timestamp < stream[i-1].Timestamp {
			return false
		}
	}
	return true
}

// SortStable sorts stream by timestamp in place, keeping the relative order
// of equal timestamps.
func SortStable(stream []Delta) {
	sort.SliceStable(stream, func(i, j int) bool {
		return stream[i].Timestamp < stream[j].Timestamp
	})
}
