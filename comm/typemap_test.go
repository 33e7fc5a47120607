// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"math"
	"testing"
)

func TestTypeOf(t *testing.T) {
	if got := TypeOf[int](); got != Int64 {
		t.Errorf("TypeOf[int] = %v", got)
	}
	if got := TypeOf[int64](); got != Int64 {
		t.Errorf("TypeOf[int64] = %v", got)
	}
	if got := TypeOf[float64](); got != Float64 {
		t.Errorf("TypeOf[float64] = %v", got)
	}
}

func TestElemRoundTrip(t *testing.T) {
	buf := make([]byte, ElemSize)
	for _, v := range []int{0, 1, -1, 1 << 40, -(1 << 40)} {
		PutElem(buf, v)
		if got := GetElem[int](buf); got != v {
			t.Errorf("int round trip: %d != %d", got, v)
		}
	}
	for _, v := range []float64{0, -0.5, math.Pi, math.Inf(1), math.SmallestNonzeroFloat64} {
		PutElem(buf, v)
		if got := GetElem[float64](buf); got != v {
			t.Errorf("float64 round trip: %v != %v", got, v)
		}
	}
	// NaN survives by bit pattern.
	PutElem(buf, math.NaN())
	if got := GetElem[float64](buf); !math.IsNaN(got) {
		t.Errorf("NaN decoded to %v", got)
	}
}

func TestElemsRoundTrip(t *testing.T) {
	vs := []int64{3, -9, 1 << 50}
	buf := make([]byte, len(vs)*ElemSize)
	if n := PutElems(buf, vs); n != len(buf) {
		t.Errorf("wrote %d bytes, want %d", n, len(buf))
	}
	out := make([]int64, len(vs))
	if n := GetElems(buf, out); n != len(buf) {
		t.Errorf("read %d bytes, want %d", n, len(buf))
	}
	for i := range vs {
		if out[i] != vs[i] {
			t.Errorf("element %d: %d != %d", i, out[i], vs[i])
		}
	}
}
