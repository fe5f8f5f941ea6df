// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	keySep      = 0x00
	signFlip    = uint64(1) << 63
	suffixBytes = 16
	crcBytes    = 4
)

// keys builds the BadgerDB keys for one group.
//
// Delta keys are "delta/{group}/{modelId}\x00" followed by the timestamp
// (big-endian, sign bit flipped) and an 8-byte arrival sequence, so a prefix
// scan yields one stream in timestamp order with ties in arrival order.
type keys struct {
	group string
}

func (k keys) deltaRoot() []byte {
	return []byte("delta/" + k.group + "/")
}

func (k keys) streamPrefix(modelID string) []byte {
	p := k.deltaRoot()
	p = append(p, modelID...)
	return append(p, keySep)
}

func (k keys) delta(modelID string, ts int64, seq uint64) []byte {
	p := k.streamPrefix(modelID)
	var suffix [suffixBytes]byte
	binary.BigEndian.PutUint64(suffix[:8], uint64(ts)^signFlip)
	binary.BigEndian.PutUint64(suffix[8:], seq)
	return append(p, suffix[:]...)
}

func (k keys) snapshotRoot() []byte {
	return []byte("snapshot/" + k.group + "/")
}

func (k keys) snapshot(modelID string) []byte {
	return append(k.snapshotRoot(), modelID...)
}

func (k keys) seq() []byte {
	return []byte("meta/" + k.group + "/seq")
}

// parseDeltaKey splits a delta key back into its model id and timestamp.
func (k keys) parseDeltaKey(key []byte) (string, int64, error) {
	root := k.deltaRoot()
	if !bytes.HasPrefix(key, root) || len(key) < len(root)+1+suffixBytes {
		return "", 0, fmt.Errorf("%w: malformed key %q", ErrCorrupted, key)
	}
	rest := key[len(root):]
	sep := len(rest) - suffixBytes - 1
	if rest[sep] != keySep {
		return "", 0, fmt.Errorf("%w: malformed key %q", ErrCorrupted, key)
	}
	ts := int64(binary.BigEndian.Uint64(rest[sep+1:sep+9]) ^ signFlip)
	return string(rest[:sep]), ts, nil
}

func validModelID(id string) bool {
	return id != "" && !strings.ContainsRune(id, keySep)
}

// encodeValue wraps v as [4-byte CRC32][JSON].
func encodeValue(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, crcBytes+len(body))
	binary.BigEndian.PutUint32(out[:crcBytes], crc32.ChecksumIEEE(body))
	copy(out[crcBytes:], body)
	return out, nil
}

// decodeValue verifies the checksum and unmarshals the JSON body into v.
func decodeValue(data []byte, v any) error {
	if len(data) < crcBytes {
		return fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:crcBytes])
	body := data[crcBytes:]
	if computed := crc32.ChecksumIEEE(body); computed != stored {
		return fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return nil
}
