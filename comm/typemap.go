// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"encoding/binary"
	"math"
)

// Elem is the set of value types that can travel in packed buffers.
// Every element occupies ElemSize bytes on the wire, little-endian.
type Elem interface {
	int | int64 | float64
}

// ElemSize is the wire size of one buffer element, in bytes.
const ElemSize = 8

// A DataType identifies an element type on the wire.
type DataType uint8

const (
	// Int64 is the wire type of int and int64 elements.
	Int64 DataType = iota + 1
	// Float64 is the wire type of float64 elements.
	Float64
)

// String returns the data type's name.
func (d DataType) String() string {
	switch d {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	}
	return "invalid"
}

// TypeOf returns the wire type of T.
func TypeOf[T Elem]() DataType {
	var v T
	switch any(v).(type) {
	case float64:
		return Float64
	default:
		return Int64
	}
}

// PutElem encodes v into the first ElemSize bytes of b.
func PutElem[T Elem](b []byte, v T) {
	var u uint64
	switch v := any(v).(type) {
	case int:
		u = uint64(int64(v))
	case int64:
		u = uint64(v)
	case float64:
		u = math.Float64bits(v)
	}
	binary.LittleEndian.PutUint64(b, u)
}

// GetElem decodes an element from the first ElemSize bytes of b.
func GetElem[T Elem](b []byte) T {
	u := binary.LittleEndian.Uint64(b)
	var v T
	switch p := any(&v).(type) {
	case *int:
		*p = int(int64(u))
	case *int64:
		*p = int64(u)
	case *float64:
		*p = math.Float64frombits(u)
	}
	return v
}

// PutElems encodes vs into b and returns the number of bytes written.
func PutElems[T Elem](b []byte, vs []T) int {
	for i, v := range vs {
		PutElem(b[i*ElemSize:], v)
	}
	return len(vs) * ElemSize
}

// GetElems decodes len(out) elements from b into out and returns the
// number of bytes read.
func GetElems[T Elem](b []byte, out []T) int {
	for i := range out {
		out[i] = GetElem[T](b[i*ElemSize:])
	}
	return len(out) * ElemSize
}
