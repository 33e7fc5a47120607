// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupcomm

import (
	"github.com/grailbio/base/must"

	"github.com/grailbio/groupcomm/comm"
)

// groupIndices returns the item indices of group g at the given
// layout, or nil when the group's slice is contiguous in the local
// array (LayoutShared). For LayoutOwned the communicator must master
// the group and SetLTDofTable must have run.
func (c *GroupCommunicator) groupIndices(group int, layout Layout) []int {
	switch layout {
	case LayoutAll:
		return c.groupLDof.Row(group)
	case LayoutShared:
		return nil
	case LayoutOwned:
		must.Truef(c.gtopo.IAmMaster(group), "groupcomm: owned layout for group %d, which rank %d does not master",
			group, c.gtopo.MyRank())
		must.Truef(c.groupLTDof.Size() != 0, "groupcomm: owned layout used before SetLTDofTable")
		return c.groupLTDof.Row(group)
	}
	must.Truef(false, "groupcomm: invalid layout %d", layout)
	return nil
}

// CopyGroupToBuffer packs the entries of group g from ldata into buf
// at the given layout and returns the number of bytes written. It
// performs no communication.
func CopyGroupToBuffer[T comm.Elem](c *GroupCommunicator, ldata []T, buf []byte, group int, layout Layout) int {
	n := c.groupLDof.RowSize(group)
	if idx := c.groupIndices(group, layout); idx != nil {
		for i, j := range idx {
			comm.PutElem(buf[i*comm.ElemSize:], ldata[j])
		}
		return n * comm.ElemSize
	}
	off := c.groupLDof.RowOffset(group)
	return comm.PutElems(buf, ldata[off:off+n])
}

// CopyGroupFromBuffer unpacks group g's entries from buf into ldata
// at the given layout and returns the number of bytes read. It
// performs no communication.
func CopyGroupFromBuffer[T comm.Elem](c *GroupCommunicator, buf []byte, ldata []T, group int, layout Layout) int {
	n := c.groupLDof.RowSize(group)
	if idx := c.groupIndices(group, layout); idx != nil {
		for i, j := range idx {
			ldata[j] = comm.GetElem[T](buf[i*comm.ElemSize:])
		}
		return n * comm.ElemSize
	}
	off := c.groupLDof.RowOffset(group)
	return comm.GetElems(buf, ldata[off:off+n])
}

// reduceGroupFromBuffer combines nb packed contributions for group g
// from buf into ldata in place using op. The buffer holds the
// contributions back to back, each one group-slice long.
func reduceGroupFromBuffer[T comm.Elem](c *GroupCommunicator, buf []byte, ldata []T, group int, layout Layout, nb int, op Op[T]) int {
	n := c.groupLDof.RowSize(group)
	vals := make([]T, nb*n)
	comm.GetElems(buf, vals)
	d := OpData[T]{
		Indices: c.groupIndices(group, layout),
		NB:      nb,
		LData:   ldata,
		Buf:     vals,
	}
	if d.Indices == nil && layout == LayoutShared {
		off := c.groupLDof.RowOffset(group)
		d.LData = ldata[off : off+n]
	}
	op(d)
	return nb * n * comm.ElemSize
}

// ReduceGroupFromBuffer combines the contributions of group g's
// remote members, packed back to back in buf, into ldata in place
// using the associative elementwise operator op. It performs no
// communication.
func ReduceGroupFromBuffer[T comm.Elem](c *GroupCommunicator, buf []byte, ldata []T, group int, layout Layout, op Op[T]) int {
	return reduceGroupFromBuffer(c, buf, ldata, group, layout, c.gtopo.GroupSize(group)-1, op)
}
