// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package memnet provides an in-process comm transport: a world of n
// ranks connected through shared mailboxes. It is the harness for
// single-binary runs and for tests, where each rank is driven by its
// own goroutine.
package memnet

import (
	"context"
	"fmt"

	"github.com/grailbio/groupcomm/comm"
)

// A World connects n ranks within one process. Sends are delivered
// directly into the destination rank's mailbox; they never fail and
// complete immediately.
type World struct {
	boxes []*comm.Mailbox
}

// NewWorld returns a world of n ranks.
func NewWorld(n int) *World {
	w := &World{boxes: make([]*comm.Mailbox, n)}
	for i := range w.boxes {
		w.boxes[i] = comm.NewMailbox()
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return len(w.boxes) }

// Rank returns a transport for the given rank.
func (w *World) Rank(rank int) comm.Transport {
	return &node{world: w, rank: rank}
}

// Contexts returns a comm context for every rank of the world, in
// rank order.
func Contexts(w *World) []*comm.Context {
	ctxs := make([]*comm.Context, w.Size())
	for i := range ctxs {
		ctxs[i] = comm.New(w.Rank(i))
	}
	return ctxs
}

type node struct {
	world *World
	rank  int
}

var _ comm.Transport = (*node)(nil)

func (n *node) Rank() int { return n.rank }

func (n *node) Size() int { return n.world.Size() }

func (n *node) Mailbox() *comm.Mailbox { return n.world.boxes[n.rank] }

func (n *node) Send(_ context.Context, dst, tag int, data []byte) error {
	if dst < 0 || dst >= n.world.Size() {
		return fmt.Errorf("memnet: send to rank %d outside world of size %d", dst, n.world.Size())
	}
	// Copy so the sender may immediately reuse its buffer.
	d := append([]byte(nil), data...)
	n.world.boxes[dst].Put(comm.Envelope{Source: n.rank, Tag: tag, Data: d})
	return nil
}
