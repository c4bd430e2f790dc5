// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package custody

import (
	"sort"

	"github.com/courier-net/courier-go/wire"
)

// Normalize sorts ranges and merges overlapping or adjacent ones.
func Normalize(ranges []wire.ChunkRange) []wire.ChunkRange {
	if len(ranges) == 0 {
		return nil
	}

	sorted := append([]wire.ChunkRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := sorted[:1]
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End || r.Start == last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Subtract returns the chunk ids of a that b does not cover.
func Subtract(a, b []wire.ChunkRange) []wire.ChunkRange {
	remaining := Normalize(a)

	for _, cut := range Normalize(b) {
		var next []wire.ChunkRange
		for _, r := range remaining {
			if cut.End < r.Start || cut.Start > r.End {
				next = append(next, r)
				continue
			}
			if cut.Start > r.Start {
				next = append(next, wire.ChunkRange{Start: r.Start, End: cut.Start - 1})
			}
			if cut.End < r.End {
				next = append(next, wire.ChunkRange{Start: cut.End + 1, End: r.End})
			}
		}
		remaining = next
	}
	return remaining
}

// Covers reports whether outer covers every chunk id of inner.
func Covers(outer, inner []wire.ChunkRange) bool {
	return len(Subtract(inner, outer)) == 0
}

// Count sums the chunk ids over all ranges.
func Count(ranges []wire.ChunkRange) uint64 {
	var total uint64
	for _, r := range Normalize(ranges) {
		total += r.Len()
	}
	return total
}
