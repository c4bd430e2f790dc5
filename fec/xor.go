// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package fec implements the XOR forward error correction used to mask
// datagram loss. Each block of up to k data chunks gets r parity chunks:
// parity 0 is the overall stripe over all members, parity j (0 < j < r)
// is the interleaved stripe over the members i with i mod r == j. The r
// masks are linearly independent, so any single missing data chunk of a
// block is recoverable from a parity whose member set it belongs to.
package fec

import (
	"github.com/templexxx/xor"
)

// ParityMembers returns the block-relative member positions covered by
// parity index j in a block of `members` data chunks.
func ParityMembers(j, r, members int) []int {
	positions := make([]int, 0, members)
	for i := 0; i < members; i++ {
		if j == 0 || i%r == j {
			positions = append(positions, i)
		}
	}
	return positions
}

// Encode produces the r parity payloads for one block. Every parity is
// sized to the longest member payload; shorter members count as
// zero-padded.
func Encode(block [][]byte, r int) [][]byte {
	if len(block) == 0 || r <= 0 {
		return nil
	}

	width := 0
	for _, payload := range block {
		if len(payload) > width {
			width = len(payload)
		}
	}

	parities := make([][]byte, r)
	for j := 0; j < r; j++ {
		parities[j] = xorStripe(block, ParityMembers(j, r, len(block)), width)
	}
	return parities
}

// xorStripe XORs the selected members into a fresh width-sized buffer.
func xorStripe(block [][]byte, members []int, width int) []byte {
	acc := make([]byte, width)
	pad := make([]byte, width)

	for _, i := range members {
		if len(block[i]) == width {
			xor.Bytes(acc, acc, block[i])
			continue
		}

		copy(pad, block[i])
		for n := len(block[i]); n < width; n++ {
			pad[n] = 0
		}
		xor.Bytes(acc, acc, pad)
	}
	return acc
}

// Reconstruct attempts to recover exactly one missing data chunk of a
// block. data maps present block-relative positions to payloads, parities
// maps parity indices to payloads, members is the number of data chunks
// the block holds. It returns the recovered position and payload, or
// ok == false when no parity has exactly one absent member.
func Reconstruct(data map[int][]byte, parities map[int][]byte, r, members int) (pos int, payload []byte, ok bool) {
	for j, parity := range parities {
		covered := ParityMembers(j, r, members)

		missing := -1
		for _, i := range covered {
			if _, present := data[i]; !present {
				if missing >= 0 {
					missing = -2
					break
				}
				missing = i
			}
		}
		if missing < 0 {
			continue
		}

		acc := make([]byte, len(parity))
		copy(acc, parity)
		pad := make([]byte, len(parity))
		for _, i := range covered {
			if i == missing {
				continue
			}

			member := data[i]
			if len(member) == len(acc) {
				xor.Bytes(acc, acc, member)
				continue
			}

			copy(pad, member)
			for n := len(member); n < len(pad); n++ {
				pad[n] = 0
			}
			xor.Bytes(acc, acc, pad)
		}
		return missing, acc, true
	}
	return 0, nil, false
}
