// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupcomm

import (
	"bytes"
	"encoding/gob"

	"github.com/grailbio/base/must"
)

// A Table stores rows of ints in compressed form: one offsets array
// delimiting rows and one packed array of entries. Its backing arrays
// are sized once when the rows are set and never grown afterwards;
// rows are returned as bounds-checked subslices of the packed array.
type Table struct {
	offsets []int
	entries []int
}

// MakeTable returns a table holding the given rows.
func MakeTable(rows [][]int) Table {
	var t Table
	t.SetRows(rows)
	return t
}

// SetRows replaces the table's contents with the given rows.
func (t *Table) SetRows(rows [][]int) {
	t.offsets = make([]int, len(rows)+1)
	var total int
	for i, row := range rows {
		t.offsets[i] = total
		total += len(row)
	}
	t.offsets[len(rows)] = total
	t.entries = make([]int, 0, total)
	for _, row := range rows {
		t.entries = append(t.entries, row...)
	}
}

// Size returns the number of rows.
func (t *Table) Size() int {
	if t.offsets == nil {
		return 0
	}
	return len(t.offsets) - 1
}

// RowSize returns the number of entries in row i.
func (t *Table) RowSize(i int) int {
	t.checkRow(i)
	return t.offsets[i+1] - t.offsets[i]
}

// Row returns row i as a subslice of the table's backing array. The
// caller must not grow it.
func (t *Table) Row(i int) []int {
	t.checkRow(i)
	return t.entries[t.offsets[i]:t.offsets[i+1]]
}

// RowOffset returns the position of row i's first entry within the
// packed entries array.
func (t *Table) RowOffset(i int) int {
	return t.offsets[i]
}

// TotalSize returns the total number of entries across all rows.
func (t *Table) TotalSize() int {
	return len(t.entries)
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() Table {
	var c Table
	c.offsets = append([]int(nil), t.offsets...)
	c.entries = append([]int(nil), t.entries...)
	return c
}

// tableData is the gob image of a Table.
type tableData struct {
	Offsets, Entries []int
}

// GobEncode implements gob.GobEncoder.
func (t Table) GobEncode() ([]byte, error) {
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(tableData{t.offsets, t.entries})
	return b.Bytes(), err
}

// GobDecode implements gob.GobDecoder.
func (t *Table) GobDecode(p []byte) error {
	var d tableData
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&d); err != nil {
		return err
	}
	t.offsets, t.entries = d.Offsets, d.Entries
	return nil
}

// checkRow asserts that i names a valid row.
func (t *Table) checkRow(i int) {
	must.Truef(i >= 0 && i < t.Size(), "groupcomm: row %d out of range (table of %d rows)", i, t.Size())
}
