// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupcomm

import (
	"bytes"
	"encoding/gob"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestTable(t *testing.T) {
	rows := [][]int{{3, 1, 4}, {}, {1, 5}, {9}}
	tab := MakeTable(rows)
	if got, want := tab.Size(), len(rows); got != want {
		t.Fatalf("size %d, want %d", got, want)
	}
	if got, want := tab.TotalSize(), 6; got != want {
		t.Fatalf("total %d, want %d", got, want)
	}
	off := 0
	for i, row := range rows {
		if got := tab.RowSize(i); got != len(row) {
			t.Errorf("row %d size %d, want %d", i, got, len(row))
		}
		if got := tab.RowOffset(i); got != off {
			t.Errorf("row %d offset %d, want %d", i, got, off)
		}
		got := tab.Row(i)
		for j := range row {
			if got[j] != row[j] {
				t.Errorf("row %d: %v, want %v", i, got, row)
				break
			}
		}
		off += len(row)
	}
}

func TestTableEmpty(t *testing.T) {
	var tab Table
	if tab.Size() != 0 {
		t.Errorf("zero table has %d rows", tab.Size())
	}
	tab.SetRows(nil)
	if tab.Size() != 0 || tab.TotalSize() != 0 {
		t.Errorf("empty table: %d rows, %d entries", tab.Size(), tab.TotalSize())
	}
}

func TestTableClone(t *testing.T) {
	tab := MakeTable([][]int{{1, 2}, {3}})
	clone := tab.Clone()
	tab.Row(0)[0] = 100
	if clone.Row(0)[0] != 1 {
		t.Error("clone shares backing array")
	}
}

func TestTableFuzz(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 8)
	for i := 0; i < 100; i++ {
		var rows [][]int
		f.Fuzz(&rows)
		tab := MakeTable(rows)
		if tab.Size() != len(rows) {
			t.Fatalf("size %d, want %d", tab.Size(), len(rows))
		}
		// Gob round trip preserves the table exactly.
		var b bytes.Buffer
		if err := gob.NewEncoder(&b).Encode(tab); err != nil {
			t.Fatal(err)
		}
		var back Table
		if err := gob.NewDecoder(bytes.NewReader(b.Bytes())).Decode(&back); err != nil {
			t.Fatal(err)
		}
		if back.Size() != tab.Size() || back.TotalSize() != tab.TotalSize() {
			t.Fatalf("round trip: %d/%d rows, %d/%d entries",
				back.Size(), tab.Size(), back.TotalSize(), tab.TotalSize())
		}
		for r := 0; r < tab.Size(); r++ {
			want, got := tab.Row(r), back.Row(r)
			if len(want) != len(got) {
				t.Fatalf("row %d: %d entries, want %d", r, len(got), len(want))
			}
			for j := range want {
				if got[j] != want[j] {
					t.Fatalf("row %d entry %d: %d, want %d", r, j, got[j], want[j])
				}
			}
		}
	}
}
