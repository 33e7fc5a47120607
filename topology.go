// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupcomm

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/must"
	"github.com/spaolacci/murmur3"

	"github.com/grailbio/groupcomm/comm"
)

// A GroupTopology is the canonical numbering of the groups of ranks
// that share items with the local rank, together with one elected
// master per group. It is built once by Create, from the
// locally-observed membership sets, and is immutable afterwards.
//
// Groups are numbered locally: group 0 is always the singleton group
// holding only the local rank, and two ranks sharing a group
// generally hold it under different local numbers. The topology
// therefore also records, for every group, the group's number in its
// master's numbering; that is the only datum requiring negotiation,
// since masters are elected by a rule every member can evaluate
// locally (lowest participating rank).
//
// Neighbors are the ranks sharing at least one group with the local
// rank. They are numbered locally as well: neighbor 0 is always the
// local rank itself.
type GroupTopology struct {
	ctx *comm.Context

	// groupLProc lists, per group, its members as neighbor ids.
	groupLProc Table
	// groupMasterLProc holds, per group, the master's neighbor id.
	groupMasterLProc []int
	// lprocProc maps neighbor ids to ranks.
	lprocProc []int
	// groupMGroup holds, per group, the group's number in the
	// master's own numbering.
	groupMGroup []int
}

// NewGroupTopology returns an empty topology for the world described
// by ctx. Create must be called before any queries.
func NewGroupTopology(ctx *comm.Context) *GroupTopology {
	return &GroupTopology{ctx: ctx}
}

// Context returns the comm context the topology was built on.
func (t *GroupTopology) Context() *comm.Context { return t.ctx }

// MyRank returns the local rank.
func (t *GroupTopology) MyRank() int { return t.ctx.Rank() }

// NRanks returns the number of ranks in the world.
func (t *GroupTopology) NRanks() int { return t.ctx.Size() }

// groupKey returns a canonical key for a set of ranks.
func groupKey(ranks []int) string {
	var b bytes.Buffer
	for _, r := range ranks {
		fmt.Fprintf(&b, "%d.", r)
	}
	return b.String()
}

// mgroupEntry tells one member of a mastered group the group's number
// in the master's numbering, identified by the full member set.
type mgroupEntry struct {
	MGroup int
	Ranks  []int
}

// mgroupPayload is the exchange payload: all entries one master has
// for one destination neighbor, gob-framed.
type mgroupPayload struct {
	Entries []mgroupEntry
}

func (p *mgroupPayload) Encode(rank int) ([]byte, error) {
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(p)
	return b.Bytes(), err
}

func (p *mgroupPayload) Decode(rank int, data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(p)
}

// Create builds the topology from the locally-observed membership
// sets: one set of ranks per shared item, each including the local
// rank. Identical sets are deduplicated into a single group. Groups
// are numbered in order of first appearance, after the implicit
// singleton group 0. The exchange resolving master-side numbering is
// tagged with tag, which must not collide with unrelated traffic in
// flight on the same world.
//
// Create is collective: every rank sharing a group must call it with
// a membership set describing that group. It returns the group id
// each input set resolved to, so callers can map their items to
// groups.
func (t *GroupTopology) Create(sets [][]int, tag int) []int {
	myRank := t.ctx.Rank()

	// Deduplicate the sets into canonically-numbered groups. Group 0
	// is the local singleton.
	var (
		groups  = [][]int{{myRank}}
		indexOf = map[string]int{groupKey([]int{myRank}): 0}
		setIDs  = make([]int, len(sets))
	)
	for si, set := range sets {
		ranks := append([]int(nil), set...)
		sort.Ints(ranks)
		var self bool
		for _, r := range ranks {
			if r == myRank {
				self = true
			}
		}
		must.Truef(self, "groupcomm: membership set %v does not include local rank %d", set, myRank)
		key := groupKey(ranks)
		if _, ok := indexOf[key]; !ok {
			indexOf[key] = len(groups)
			groups = append(groups, ranks)
		}
		setIDs[si] = indexOf[key]
	}

	// Number the neighbors: 0 is self, remote neighbors follow in
	// ascending rank order.
	lprocOf := map[int]int{myRank: 0}
	var remotes []int
	for _, ranks := range groups {
		for _, r := range ranks {
			if _, ok := lprocOf[r]; !ok {
				lprocOf[r] = -1
				remotes = append(remotes, r)
			}
		}
	}
	sort.Ints(remotes)
	t.lprocProc = append([]int{myRank}, remotes...)
	for i, r := range remotes {
		lprocOf[r] = i + 1
	}

	// Per-group member and master tables. The master is the lowest
	// participating rank, so every member elects the same master with
	// no extra negotiation.
	rows := make([][]int, len(groups))
	t.groupMasterLProc = make([]int, len(groups))
	t.groupMGroup = make([]int, len(groups))
	for g, ranks := range groups {
		row := make([]int, len(ranks))
		for i, r := range ranks {
			row[i] = lprocOf[r]
		}
		sort.Ints(row)
		rows[g] = row
		t.groupMasterLProc[g] = lprocOf[ranks[0]] // ranks sorted ascending
		t.groupMGroup[g] = -1
	}
	t.groupLProc = MakeTable(rows)
	t.groupMGroup[0] = 0

	// Resolve each group's number in its master's numbering. Masters
	// aggregate, per member neighbor, one message carrying (own group
	// number, member set) for every mastered group containing that
	// neighbor; members match the sets against their own groups.
	sendPayloads := make(map[int]*mgroupPayload)
	expect := make(map[int]bool)
	for g := 1; g < len(groups); g++ {
		master := groups[g][0]
		if master == myRank {
			t.groupMGroup[g] = g
			for _, r := range groups[g] {
				if r == myRank {
					continue
				}
				p := sendPayloads[r]
				if p == nil {
					p = new(mgroupPayload)
					sendPayloads[r] = p
				}
				p.Entries = append(p.Entries, mgroupEntry{MGroup: g, Ranks: groups[g]})
			}
		} else {
			expect[master] = true
		}
	}
	sendMsgs := make(map[int]*comm.Message)
	for dst, p := range sendPayloads {
		sendMsgs[dst] = &comm.Message{Class: tag, Codec: p}
	}
	recvMsgs := make(map[int]*comm.Message)
	recvPayloads := make(map[int]*mgroupPayload)
	for src := range expect {
		p := new(mgroupPayload)
		recvPayloads[src] = p
		recvMsgs[src] = &comm.Message{Class: tag, Codec: p}
	}
	comm.IsendAll(t.ctx, sendMsgs)
	comm.RecvAll(t.ctx, tag, recvMsgs)
	for src, p := range recvPayloads {
		for _, e := range p.Entries {
			g, ok := indexOf[groupKey(e.Ranks)]
			must.Truef(ok, "groupcomm: rank %d sent numbering for unknown group %v", src, e.Ranks)
			t.groupMGroup[g] = e.MGroup
		}
	}
	comm.WaitAllSent(sendMsgs)
	for g := range t.groupMGroup {
		must.Truef(t.groupMGroup[g] >= 0, "groupcomm: no master numbering received for group %d", g)
	}
	return setIDs
}

// NGroups returns the number of groups, including the singleton
// group 0.
func (t *GroupTopology) NGroups() int { return t.groupLProc.Size() }

// NumNeighbors returns the number of neighbors, including the local
// rank as neighbor 0.
func (t *GroupTopology) NumNeighbors() int { return len(t.lprocProc) }

// NeighborRank returns the rank of neighbor i.
func (t *GroupTopology) NeighborRank(i int) int { return t.lprocProc[i] }

// IAmMaster tells whether the local rank is the master of group g.
func (t *GroupTopology) IAmMaster(g int) bool { return t.groupMasterLProc[g] == 0 }

// GroupMaster returns the neighbor id of group g's master.
func (t *GroupTopology) GroupMaster(g int) int { return t.groupMasterLProc[g] }

// GroupMasterRank returns the rank of group g's master.
func (t *GroupTopology) GroupMasterRank(g int) int {
	return t.lprocProc[t.groupMasterLProc[g]]
}

// GroupMasterGroup returns group g's number in its master's own
// numbering.
func (t *GroupTopology) GroupMasterGroup(g int) int { return t.groupMGroup[g] }

// GroupSize returns the number of ranks in group g.
func (t *GroupTopology) GroupSize(g int) int { return t.groupLProc.RowSize(g) }

// Group returns group g's members as neighbor ids.
func (t *GroupTopology) Group(g int) []int { return t.groupLProc.Row(g) }

// Clone returns a deep copy of the topology sharing only the comm
// context.
func (t *GroupTopology) Clone() *GroupTopology {
	return &GroupTopology{
		ctx:              t.ctx,
		groupLProc:       t.groupLProc.Clone(),
		groupMasterLProc: append([]int(nil), t.groupMasterLProc...),
		lprocProc:        append([]int(nil), t.lprocProc...),
		groupMGroup:      append([]int(nil), t.groupMGroup...),
	}
}

// topologyData is the serialized image of a topology's four tables.
type topologyData struct {
	GroupLProc       Table
	GroupMasterLProc []int
	LProcProc        []int
	GroupMGroup      []int
}

// Save writes the topology's four tables to w, checksummed. The
// format is an internal contract intended for same-binary round
// trips; it is not versioned and carries no rank-count portability.
func (t *GroupTopology) Save(w io.Writer) error {
	var body bytes.Buffer
	err := gob.NewEncoder(&body).Encode(topologyData{
		GroupLProc:       t.groupLProc,
		GroupMasterLProc: t.groupMasterLProc,
		LProcProc:        t.lprocProc,
		GroupMGroup:      t.groupMGroup,
	})
	if err != nil {
		return err
	}
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(body.Len()))
	binary.LittleEndian.PutUint64(hdr[8:], murmur3.Sum64(body.Bytes()))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body.Bytes())
	return err
}

// Load replaces the topology's tables with ones previously written
// by Save, verifying the stream's checksum.
func (t *GroupTopology) Load(r io.Reader) error {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	body := make([]byte, binary.LittleEndian.Uint64(hdr[:8]))
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if sum := murmur3.Sum64(body); sum != binary.LittleEndian.Uint64(hdr[8:]) {
		return fmt.Errorf("groupcomm: topology stream checksum mismatch")
	}
	var d topologyData
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&d); err != nil {
		return err
	}
	t.groupLProc = d.GroupLProc
	t.groupMasterLProc = d.GroupMasterLProc
	t.lprocProc = d.LProcProc
	t.groupMGroup = d.GroupMGroup
	return nil
}
