// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupcomm

import (
	"github.com/grailbio/base/must"

	"github.com/grailbio/groupcomm/comm"
)

// beginOp takes the communicator's lock for a new operation. Fatal if
// another operation is still in flight.
func (c *GroupCommunicator) beginOp(lock int, dtype comm.DataType) {
	must.Truef(c.finalized, "groupcomm: collective on an unfinalized communicator")
	must.Truef(c.lock == lockIdle, "groupcomm: cannot begin a %s: a %s is already in flight",
		lockName(lock), lockName(c.lock))
	c.lock = lock
	c.dtype = dtype
	c.numRequests = 0
}

// endOp checks and releases the communicator's lock.
func (c *GroupCommunicator) endOp(lock int, dtype comm.DataType) {
	must.Truef(c.lock == lock, "groupcomm: %s ended, but %s is in flight", lockName(lock), lockName(c.lock))
	must.Truef(c.dtype == dtype, "groupcomm: operation begun with %s elements, ended with %s", c.dtype, dtype)
	c.lock = lockIdle
}

// region returns the byte region of n elements starting at element
// offset off in the shared buffer.
func (c *GroupCommunicator) region(off, n int) []byte {
	return c.buf[off*comm.ElemSize : (off+n)*comm.ElemSize]
}

// BcastBegin starts a broadcast within each group from the group's
// master: it packs and sends the master's values and posts receives
// for the rest, without blocking. ldata is read at the given layout.
// The matching BcastEnd must be called to complete the operation; no
// other collective may begin in between.
func BcastBegin[T comm.Elem](c *GroupCommunicator, ldata []T, layout Layout) {
	c.beginOp(lockBcast, comm.TypeOf[T]())
	ctx := c.gtopo.Context()
	switch c.mode {
	case ByGroup:
		off := 0
		for g := 1; g < c.gtopo.NGroups(); g++ {
			n := c.groupLDof.RowSize(g)
			if n == 0 {
				continue
			}
			c.bufOffsets[g] = off
			region := c.region(off, n)
			if c.gtopo.IAmMaster(g) {
				// Pack once; every send reads the same region.
				CopyGroupToBuffer(c, ldata, region, g, layout)
				for _, lproc := range c.gtopo.Group(g) {
					if lproc != 0 {
						c.addRequest(ctx.Isend(c.gtopo.NeighborRank(lproc), c.groupTag(g), region), -1)
					}
				}
			} else {
				c.addRequest(ctx.Irecv(c.gtopo.GroupMasterRank(g), c.groupTag(g), region), g)
			}
			off += n
		}
	case ByNeighbor:
		off := 0
		for nbr := 1; nbr < c.gtopo.NumNeighbors(); nbr++ {
			if sg := c.nbrSendGroups.Row(nbr); len(sg) > 0 {
				start := off
				for _, g := range sg {
					off += CopyGroupToBuffer(c, ldata, c.region(off, c.groupLDof.RowSize(g)), g, layout) / comm.ElemSize
				}
				c.addRequest(ctx.Isend(c.gtopo.NeighborRank(nbr), c.tagBase, c.region(start, off-start)), -1)
			}
			if rg := c.nbrRecvGroups.Row(nbr); len(rg) > 0 {
				var n int
				for _, g := range rg {
					n += c.groupLDof.RowSize(g)
				}
				c.bufOffsets[nbr] = off
				c.addRequest(ctx.Irecv(c.gtopo.NeighborRank(nbr), c.tagBase, c.region(off, n)), nbr)
				off += n
			}
		}
	}
}

// BcastEnd blocks until the broadcast started by BcastBegin has
// completed and unpacks the received values into ldata at the given
// output layout. With LayoutShared, ldata must be the same array
// passed to BcastBegin: received group slices are written back in
// place and no layout conversion is performed.
func BcastEnd[T comm.Elem](c *GroupCommunicator, ldata []T, layout Layout) {
	must.Truef(layout == LayoutAll || layout == LayoutShared,
		"groupcomm: broadcast output must use the all-items or shared layout")
	for i := 0; i < c.numRequests; i++ {
		n := c.requests[i].Wait()
		marker := c.requestMarker[i]
		if marker < 0 {
			continue
		}
		switch c.mode {
		case ByGroup:
			g := marker
			want := c.groupLDof.RowSize(g) * comm.ElemSize
			must.Truef(n == want, "groupcomm: broadcast for group %d: got %d bytes, want %d", g, n, want)
			CopyGroupFromBuffer(c, c.region(c.bufOffsets[g], c.groupLDof.RowSize(g)), ldata, g, layout)
		case ByNeighbor:
			nbr := marker
			off := c.bufOffsets[nbr]
			var want int
			for _, g := range c.nbrRecvGroups.Row(nbr) {
				want += c.groupLDof.RowSize(g)
			}
			must.Truef(n == want*comm.ElemSize, "groupcomm: broadcast from neighbor %d: got %d bytes, want %d",
				nbr, n, want*comm.ElemSize)
			for _, g := range c.nbrRecvGroups.Row(nbr) {
				gn := c.groupLDof.RowSize(g)
				CopyGroupFromBuffer(c, c.region(off, gn), ldata, g, layout)
				off += gn
			}
		}
	}
	c.endOp(lockBcast, comm.TypeOf[T]())
}

// Bcast broadcasts within each group from the group's master,
// blocking until completion. The layout may be LayoutAll or
// LayoutShared.
func Bcast[T comm.Elem](c *GroupCommunicator, ldata []T, layout Layout) {
	BcastBegin(c, ldata, layout)
	BcastEnd(c, ldata, layout)
}

// ReduceBegin starts a reduction within each group into the group's
// master: members pack and send their contributions and masters post
// receives, without blocking. ldata is read at the all-items layout.
// The matching ReduceEnd must be called to complete the operation.
func ReduceBegin[T comm.Elem](c *GroupCommunicator, ldata []T) {
	c.beginOp(lockReduce, comm.TypeOf[T]())
	ctx := c.gtopo.Context()
	switch c.mode {
	case ByGroup:
		off := 0
		for g := 1; g < c.gtopo.NGroups(); g++ {
			n := c.groupLDof.RowSize(g)
			if n == 0 {
				continue
			}
			c.bufOffsets[g] = off
			if c.gtopo.IAmMaster(g) {
				// One receive slot per remote member, back to back.
				for _, lproc := range c.gtopo.Group(g) {
					if lproc != 0 {
						c.addRequest(ctx.Irecv(c.gtopo.NeighborRank(lproc), c.groupTag(g), c.region(off, n)), g)
						off += n
					}
				}
			} else {
				region := c.region(off, n)
				CopyGroupToBuffer(c, ldata, region, g, LayoutAll)
				c.addRequest(ctx.Isend(c.gtopo.GroupMasterRank(g), c.groupTag(g), region), -1)
				off += n
			}
		}
	case ByNeighbor:
		off := 0
		for nbr := 1; nbr < c.gtopo.NumNeighbors(); nbr++ {
			// Contributions flow to masters: the receive table names
			// groups the neighbor masters, so those are sent; the send
			// table names groups the local rank masters, so those are
			// received.
			if rg := c.nbrRecvGroups.Row(nbr); len(rg) > 0 {
				start := off
				for _, g := range rg {
					off += CopyGroupToBuffer(c, ldata, c.region(off, c.groupLDof.RowSize(g)), g, LayoutAll) / comm.ElemSize
				}
				c.addRequest(ctx.Isend(c.gtopo.NeighborRank(nbr), c.tagBase, c.region(start, off-start)), -1)
			}
			if sg := c.nbrSendGroups.Row(nbr); len(sg) > 0 {
				var n int
				for _, g := range sg {
					n += c.groupLDof.RowSize(g)
				}
				c.bufOffsets[nbr] = off
				c.addRequest(ctx.Irecv(c.gtopo.NeighborRank(nbr), c.tagBase, c.region(off, n)), nbr)
				off += n
			}
		}
	}
}

// ReduceEnd blocks until the reduction started by ReduceBegin has
// completed and combines the received contributions into ldata at the
// given output layout (LayoutAll or LayoutOwned) using op. With
// LayoutOwned, the master-owned values consumed by the reduction come
// from the ldata passed to ReduceEnd, not to ReduceBegin; the caller
// must keep them consistent between the two calls, as they are not
// re-sent.
func ReduceEnd[T comm.Elem](c *GroupCommunicator, ldata []T, layout Layout, op Op[T]) {
	must.Truef(layout == LayoutAll || layout == LayoutOwned,
		"groupcomm: reduction output must use the all-items or owned layout")
	for i := 0; i < c.numRequests; i++ {
		n := c.requests[i].Wait()
		marker := c.requestMarker[i]
		if marker < 0 {
			continue
		}
		switch c.mode {
		case ByGroup:
			g := marker
			want := c.groupLDof.RowSize(g) * comm.ElemSize
			must.Truef(n == want, "groupcomm: contribution for group %d: got %d bytes, want %d", g, n, want)
		case ByNeighbor:
			nbr := marker
			var want int
			for _, g := range c.nbrSendGroups.Row(nbr) {
				want += c.groupLDof.RowSize(g)
			}
			want *= comm.ElemSize
			must.Truef(n == want, "groupcomm: contributions from neighbor %d: got %d bytes, want %d",
				nbr, n, want)
		}
	}
	switch c.mode {
	case ByGroup:
		for g := 1; g < c.gtopo.NGroups(); g++ {
			n := c.groupLDof.RowSize(g)
			if n == 0 || !c.gtopo.IAmMaster(g) {
				continue
			}
			nb := c.gtopo.GroupSize(g) - 1
			reduceGroupFromBuffer(c, c.region(c.bufOffsets[g], nb*n), ldata, g, layout, nb, op)
		}
	case ByNeighbor:
		for nbr := 1; nbr < c.gtopo.NumNeighbors(); nbr++ {
			sg := c.nbrSendGroups.Row(nbr)
			if len(sg) == 0 {
				continue
			}
			off := c.bufOffsets[nbr]
			for _, g := range sg {
				gn := c.groupLDof.RowSize(g)
				reduceGroupFromBuffer(c, c.region(off, gn), ldata, g, layout, 1, op)
				off += gn
			}
		}
	}
	c.endOp(lockReduce, comm.TypeOf[T]())
}

// Reduce reduces within each group into the group's master, blocking
// until completion, with output at the all-items layout.
func Reduce[T comm.Elem](c *GroupCommunicator, ldata []T, op Op[T]) {
	ReduceBegin(c, ldata)
	ReduceEnd(c, ldata, LayoutAll, op)
}
