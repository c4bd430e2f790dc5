// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bundle

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// BundleID identifies a bundle by an opaque 16-byte value, globally unique
// across nodes. It is treated as a key everywhere: hashed, compared and
// ordered lexicographically over its raw bytes.
type BundleID [16]byte

// NewBundleID creates a fresh random BundleID.
func NewBundleID() (bid BundleID, err error) {
	_, err = rand.Read(bid[:])
	return
}

// ParseBundleID reads a BundleID back from its hexadecimal String form.
func ParseBundleID(s string) (bid BundleID, err error) {
	var raw []byte
	if raw, err = hex.DecodeString(s); err != nil {
		return
	}
	if len(raw) != len(bid) {
		err = fmt.Errorf("bundle id must be %d bytes, got %d", len(bid), len(raw))
		return
	}

	copy(bid[:], raw)
	return
}

func (bid BundleID) String() string {
	return hex.EncodeToString(bid[:])
}

// Less orders BundleIDs lexicographically over their raw bytes.
func (bid BundleID) Less(other BundleID) bool {
	return bytes.Compare(bid[:], other[:]) < 0
}
