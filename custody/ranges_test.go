// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package custody

import (
	"testing"

	"github.com/courier-net/courier-go/wire"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]wire.ChunkRange{{Start: 10, End: 12}, {Start: 0, End: 4}, {Start: 5, End: 9}, {Start: 11, End: 20}})

	if len(got) != 1 || got[0] != (wire.ChunkRange{Start: 0, End: 20}) {
		t.Fatalf("expected one merged range 0-20, got %v", got)
	}

	if Normalize(nil) != nil {
		t.Fatal("empty input must stay empty")
	}
}

func TestSubtract(t *testing.T) {
	a := []wire.ChunkRange{{Start: 0, End: 9}}

	got := Subtract(a, []wire.ChunkRange{{Start: 3, End: 5}})
	if len(got) != 2 || got[0] != (wire.ChunkRange{Start: 0, End: 2}) || got[1] != (wire.ChunkRange{Start: 6, End: 9}) {
		t.Fatalf("middle cut broken: %v", got)
	}

	if got := Subtract(a, a); len(got) != 0 {
		t.Fatalf("full cut must leave nothing, got %v", got)
	}

	if got := Subtract(a, []wire.ChunkRange{{Start: 20, End: 30}}); len(got) != 1 || got[0] != a[0] {
		t.Fatalf("disjoint cut must be a no-op, got %v", got)
	}

	if got := Subtract(a, []wire.ChunkRange{{Start: 0, End: 4}}); len(got) != 1 || got[0] != (wire.ChunkRange{Start: 5, End: 9}) {
		t.Fatalf("prefix cut broken: %v", got)
	}
}

func TestCovers(t *testing.T) {
	outer := []wire.ChunkRange{{Start: 0, End: 9}, {Start: 20, End: 29}}

	if !Covers(outer, []wire.ChunkRange{{Start: 2, End: 5}, {Start: 25, End: 29}}) {
		t.Fatal("expected coverage")
	}
	if Covers(outer, []wire.ChunkRange{{Start: 5, End: 21}}) {
		t.Fatal("gap 10-19 must break coverage")
	}
	if !Covers(outer, nil) {
		t.Fatal("anything covers the empty set")
	}
}

func TestCount(t *testing.T) {
	if n := Count([]wire.ChunkRange{{Start: 0, End: 9}, {Start: 5, End: 14}}); n != 15 {
		t.Fatalf("expected 15 ids after merge, got %d", n)
	}
}
