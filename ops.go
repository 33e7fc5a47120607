// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupcomm

import (
	"golang.org/x/exp/constraints"

	"github.com/grailbio/groupcomm/comm"
)

// OpData carries one group's values for a reduction operator. Buf
// holds NB contributed blocks back to back, each len(Buf)/NB elements
// long. Indices maps block positions to LData positions; a nil
// Indices means the identity (LData is the group's contiguous slice).
type OpData[T comm.Elem] struct {
	Indices []int
	NB      int
	LData   []T
	Buf     []T
}

// n returns the number of elements per contributed block.
func (d OpData[T]) n() int { return len(d.Buf) / d.NB }

// pos returns the LData position of block element i.
func (d OpData[T]) pos(i int) int {
	if d.Indices == nil {
		return i
	}
	return d.Indices[i]
}

// An Op combines contributed blocks into local data elementwise. Ops
// must be associative per element; the fold order over contributions
// is unspecified.
type Op[T comm.Elem] func(OpData[T])

// Sum adds all contributions into the local data.
func Sum[T comm.Elem](d OpData[T]) {
	n := d.n()
	for i := 0; i < n; i++ {
		v := d.LData[d.pos(i)]
		for j := 0; j < d.NB; j++ {
			v += d.Buf[j*n+i]
		}
		d.LData[d.pos(i)] = v
	}
}

// Min keeps the elementwise minimum over the local data and all
// contributions.
func Min[T comm.Elem](d OpData[T]) {
	n := d.n()
	for i := 0; i < n; i++ {
		v := d.LData[d.pos(i)]
		for j := 0; j < d.NB; j++ {
			if b := d.Buf[j*n+i]; b < v {
				v = b
			}
		}
		d.LData[d.pos(i)] = v
	}
}

// Max keeps the elementwise maximum over the local data and all
// contributions.
func Max[T comm.Elem](d OpData[T]) {
	n := d.n()
	for i := 0; i < n; i++ {
		v := d.LData[d.pos(i)]
		for j := 0; j < d.NB; j++ {
			if b := d.Buf[j*n+i]; b > v {
				v = b
			}
		}
		d.LData[d.pos(i)] = v
	}
}

// intElem is the integer subset of comm.Elem.
type intElem interface {
	comm.Elem
	constraints.Integer
}

// BitOr ors all contributions into the local data bitwise.
func BitOr[T intElem](d OpData[T]) {
	n := d.n()
	for i := 0; i < n; i++ {
		v := d.LData[d.pos(i)]
		for j := 0; j < d.NB; j++ {
			v |= d.Buf[j*n+i]
		}
		d.LData[d.pos(i)] = v
	}
}
