// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupcomm

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/must"

	"github.com/grailbio/groupcomm/comm"
)

// Mode selects how a GroupCommunicator exchanges group data.
type Mode int

const (
	// ByGroup performs one exchange per group.
	ByGroup Mode = iota
	// ByNeighbor aggregates all groups shared with a neighbor into a
	// single exchange with that neighbor, trading extra bookkeeping
	// for fewer messages.
	ByNeighbor
)

// String returns the mode's name.
func (m Mode) String() string {
	switch m {
	case ByGroup:
		return "byGroup"
	case ByNeighbor:
		return "byNeighbor"
	}
	return "invalid"
}

// Layout describes how a local value array passed to a pack, unpack
// or collective operation is indexed relative to a group's items.
type Layout int

const (
	// LayoutAll indexes the array over all local items; a group's
	// packed slice is the subsequence at the group's item indices.
	LayoutAll Layout = iota
	// LayoutShared indexes the array over shared items only,
	// contiguous per group in group order.
	LayoutShared
	// LayoutOwned indexes the array over owned items only; valid only
	// for groups the local rank masters, and only after
	// SetLTDofTable.
	LayoutOwned
)

// Lock token values: at most one collective may be in flight.
const (
	lockIdle = iota
	lockBcast
	lockReduce
)

// defaultTag is the base message tag for communicators that do not
// set their own. Collectives tag messages with the base plus, in
// ByGroup mode, the group's number in its master's numbering.
const defaultTag = 40000

// A GroupCommunicator performs broadcast and reduction of per-item
// values within the groups of a GroupTopology, using packed buffers
// over non-blocking point-to-point transport.
//
// The communicator must be initialized before use: either call
// Create, or populate the table returned by GroupLDofTable and then
// call Finalize. Buffers and request slots are sized once at Finalize
// and reused across operations.
//
// At most one broadcast or reduction may be in flight at a time; the
// shared buffer and request slots would otherwise be corrupted.
// Beginning an operation before the previous one's End, or tearing
// the communicator down mid-operation, is a fatal usage error.
type GroupCommunicator struct {
	gtopo *GroupTopology
	mode  Mode

	// groupLDof lists, per group, the local item indices whose values
	// live in that group, in packed-buffer order.
	groupLDof Table
	// groupLTDof lists, per mastered group, the owned-item indices of
	// the group's items. Populated by SetLTDofTable.
	groupLTDof Table

	// buf is the shared packed-payload buffer; bufOffsets positions
	// each group's (ByGroup) or neighbor's (ByNeighbor) region in it,
	// in elements.
	buf        []byte
	bufOffsets []int

	// In-flight request slots and, per slot, which group or neighbor
	// a completed receive must be unpacked for (-1 marks sends).
	requests      []*comm.Request
	requestMarker []int
	numRequests   int

	lock      int
	dtype     comm.DataType
	tagBase   int
	finalized bool

	// ByNeighbor bookkeeping: per neighbor, the mastered groups to
	// send and the foreign-mastered groups to receive in one
	// aggregated exchange.
	nbrSendGroups Table
	nbrRecvGroups Table
}

// NewGroupCommunicator returns a communicator over gt in the given
// mode. The mode is fixed for the communicator's lifetime.
func NewGroupCommunicator(gt *GroupTopology, mode Mode) *GroupCommunicator {
	return &GroupCommunicator{gtopo: gt, mode: mode, tagBase: defaultTag}
}

// GroupTopology returns the communicator's topology.
func (c *GroupCommunicator) GroupTopology() *GroupTopology { return c.gtopo }

// GroupLDofTable returns the mutable group-to-local-item table for
// the caller to populate. Finalize must be called exactly once after
// the table is populated.
func (c *GroupCommunicator) GroupLDofTable() *Table { return &c.groupLDof }

// Create initializes the communicator from a flat assignment of
// local items to groups: itemGroup[i] is the group of item i.
// Finalize is called internally.
func (c *GroupCommunicator) Create(itemGroup []int) {
	rows := make([][]int, c.gtopo.NGroups())
	for i, g := range itemGroup {
		must.Truef(g >= 0 && g < len(rows), "groupcomm: item %d assigned to invalid group %d", i, g)
		rows[g] = append(rows[g], i)
	}
	c.groupLDof.SetRows(rows)
	c.Finalize()
}

// Finalize sizes the communicator's buffer and request slots from the
// populated group-to-item table and, in ByNeighbor mode, computes the
// per-neighbor aggregation tables. It must be called exactly once.
func (c *GroupCommunicator) Finalize() {
	must.Truef(!c.finalized, "groupcomm: Finalize called twice")
	must.Truef(c.groupLDof.Size() == c.gtopo.NGroups(),
		"groupcomm: group-item table has %d rows, topology has %d groups",
		c.groupLDof.Size(), c.gtopo.NGroups())
	c.finalized = true

	// The buffer must hold the largest concurrent payload: masters
	// hold one slot per remote member (reduction gathers), others one
	// slot per group.
	var bufElems, nreqs int
	for g := 1; g < c.gtopo.NGroups(); g++ {
		n := c.groupLDof.RowSize(g)
		if n == 0 {
			continue
		}
		if c.gtopo.IAmMaster(g) {
			nb := c.gtopo.GroupSize(g) - 1
			bufElems += n * nb
			nreqs += nb
		} else {
			bufElems += n
			nreqs++
		}
	}
	if c.mode == ByNeighbor {
		c.makeNeighborTables()
		nreqs = 2 * (c.gtopo.NumNeighbors() - 1)
	}
	c.buf = make([]byte, bufElems*comm.ElemSize)
	c.requests = make([]*comm.Request, nreqs)
	c.requestMarker = make([]int, nreqs)
	if no := c.gtopo.NumNeighbors(); no > c.gtopo.NGroups() {
		c.bufOffsets = make([]int, no)
	} else {
		c.bufOffsets = make([]int, c.gtopo.NGroups())
	}
}

// makeNeighborTables computes nbrSendGroups and nbrRecvGroups. Send
// rows are in local group order, which is the master's numbering for
// mastered groups; receive rows are sorted by the master's numbering
// so that both sides of an aggregated exchange agree on the packing
// order.
func (c *GroupCommunicator) makeNeighborTables() {
	nn := c.gtopo.NumNeighbors()
	sendRows := make([][]int, nn)
	recvRows := make([][]int, nn)
	for g := 1; g < c.gtopo.NGroups(); g++ {
		if c.groupLDof.RowSize(g) == 0 {
			continue
		}
		if c.gtopo.IAmMaster(g) {
			for _, lproc := range c.gtopo.Group(g) {
				if lproc != 0 {
					sendRows[lproc] = append(sendRows[lproc], g)
				}
			}
		} else {
			nbr := c.gtopo.GroupMaster(g)
			recvRows[nbr] = append(recvRows[nbr], g)
		}
	}
	for _, row := range recvRows {
		row := row
		sort.Slice(row, func(i, j int) bool {
			return c.gtopo.GroupMasterGroup(row[i]) < c.gtopo.GroupMasterGroup(row[j])
		})
	}
	c.nbrSendGroups = MakeTable(sendRows)
	c.nbrRecvGroups = MakeTable(recvRows)
}

// SetLTDofTable populates the master-only owned-item table from a map
// of local item index to owned-item index. It must be called before
// any operation uses LayoutOwned.
func (c *GroupCommunicator) SetLTDofTable(itemOwned []int) {
	must.Truef(c.finalized, "groupcomm: SetLTDofTable before Finalize")
	rows := make([][]int, c.gtopo.NGroups())
	for g := 1; g < c.gtopo.NGroups(); g++ {
		if !c.gtopo.IAmMaster(g) {
			continue
		}
		row := make([]int, 0, c.groupLDof.RowSize(g))
		for _, ldof := range c.groupLDof.Row(g) {
			row = append(row, itemOwned[ldof])
		}
		rows[g] = row
	}
	c.groupLTDof.SetRows(rows)
}

// Close releases the communicator's buffers and request slots.
// Closing while an operation is in flight is a fatal usage error.
func (c *GroupCommunicator) Close() {
	must.Truef(c.lock == lockIdle, "groupcomm: communicator closed with a %s in flight", lockName(c.lock))
	c.buf = nil
	c.bufOffsets = nil
	c.requests = nil
	c.requestMarker = nil
	c.finalized = false
}

func lockName(lock int) string {
	switch lock {
	case lockBcast:
		return "broadcast"
	case lockReduce:
		return "reduction"
	}
	return "no operation"
}

// addRequest records an in-flight request. marker is the group
// (ByGroup) or neighbor (ByNeighbor) a completed receive unpacks
// into; sends carry marker -1.
func (c *GroupCommunicator) addRequest(r *comm.Request, marker int) {
	must.Truef(c.numRequests < len(c.requests), "groupcomm: request slots exhausted")
	c.requests[c.numRequests] = r
	c.requestMarker[c.numRequests] = marker
	c.numRequests++
}

// groupTag returns the tag of group g's exchanges in ByGroup mode.
// Both sides derive it from the master's numbering, which they share.
func (c *GroupCommunicator) groupTag(g int) int {
	return c.tagBase + c.gtopo.GroupMasterGroup(g)
}

// PrintInfo writes a diagnostic dump of the communicator's tables
// from every rank, in rank order. It is collective: every rank of the
// world must call it. Intended for debugging only.
func (c *GroupCommunicator) PrintInfo(w io.Writer) {
	ctx := c.gtopo.Context()
	token := []byte{1}
	if !ctx.Root() {
		ctx.Recv(ctx.Rank()-1, c.tagBase-1, token)
	}
	c.printLocal(w)
	if ctx.Rank() < ctx.Size()-1 {
		ctx.Send(ctx.Rank()+1, c.tagBase-1, token)
	}
}

func (c *GroupCommunicator) printLocal(w io.Writer) {
	ctx := c.gtopo.Context()
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	fmt.Fprintf(&tw, "rank %d: mode %s, %d groups, %d neighbors, %s buffer\n",
		ctx.Rank(), c.mode, c.gtopo.NGroups(), c.gtopo.NumNeighbors(), data.Size(len(c.buf)))
	fmt.Fprintln(&tw, "\tgroup\tmaster\tmgroup\tmembers\titems")
	for g := 0; g < c.gtopo.NGroups(); g++ {
		fmt.Fprintf(&tw, "\t%d\t%d (rank %d)\t%d\t%v\t%v\n",
			g, c.gtopo.GroupMaster(g), c.gtopo.GroupMasterRank(g),
			c.gtopo.GroupMasterGroup(g), c.gtopo.Group(g), c.groupLDof.Row(g))
	}
	if c.mode == ByNeighbor {
		fmt.Fprintln(&tw, "\tneighbor\trank\tsend groups\trecv groups")
		for i := 1; i < c.gtopo.NumNeighbors(); i++ {
			fmt.Fprintf(&tw, "\t%d\t%d\t%v\t%v\n",
				i, c.gtopo.NeighborRank(i), c.nbrSendGroups.Row(i), c.nbrRecvGroups.Row(i))
		}
	}
	tw.Flush()
}
