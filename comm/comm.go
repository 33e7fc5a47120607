// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements tagged, variable-length message passing
// between the ranks of a fixed-size world of cooperating processes.
// It is the transport under package groupcomm: point-to-point sends
// and receives addressed by (rank, tag), with probe-then-receive
// discovery of messages whose size is not known a priori.
//
// A world is created by a Transport implementation (see memnet and
// tcpnet); each rank holds a Context, an immutable value carrying the
// rank's place in the world. All blocking operations suspend only the
// calling goroutine; within a rank this package is single-threaded
// and concurrency arises only from the overlap of in-flight messages
// across ranks.
//
// Usage and protocol violations are fatal: they indicate caller bugs,
// not runtime conditions, and there is no recovery path. Transport
// failures are likewise fatal; no retry policy exists at this layer.
package comm

import (
	"context"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

// An Envelope is a single tagged message as it sits in a mailbox.
type Envelope struct {
	// Source is the rank that sent the message.
	Source int
	// Tag is the message's class tag.
	Tag int
	// Data is the raw payload. Transports own the backing array; it
	// is never aliased by a sender's buffer.
	Data []byte
}

// A Status describes a probed incoming message: where it came from
// and exactly how many bytes it carries.
type Status struct {
	Source int
	Size   int
}

// A Transport connects one rank to the rest of its world. Messages
// between a fixed pair of ranks with the same tag are delivered in
// send order; no ordering holds across pairs or tags.
type Transport interface {
	// Rank returns the local rank, in [0, Size).
	Rank() int
	// Size returns the number of ranks in the world.
	Size() int
	// Send delivers data to rank dst under the given tag. Send may
	// block on transport backpressure. The data is copied; the caller
	// may reuse the buffer once Send returns.
	Send(ctx context.Context, dst, tag int, data []byte) error
	// Mailbox returns the local rank's incoming message queue.
	Mailbox() *Mailbox
}

// A Context is a rank's handle on its world. It is immutable and is
// threaded explicitly into every constructor that needs rank or size
// information.
type Context struct {
	transport  Transport
	rank, size int
}

// New returns a Context for the rank served by the given transport.
func New(t Transport) *Context {
	return &Context{transport: t, rank: t.Rank(), size: t.Size()}
}

// Rank returns the local process's rank.
func (c *Context) Rank() int { return c.rank }

// Size returns the number of ranks in the world.
func (c *Context) Size() int { return c.size }

// Root tells whether the local process is rank 0.
func (c *Context) Root() bool { return c.rank == 0 }

// Send delivers data to rank dst under the given tag, blocking until
// the transport has accepted it. Transport failures are fatal.
func (c *Context) Send(dst, tag int, data []byte) {
	must.Truef(dst >= 0 && dst < c.size, "comm: send to invalid rank %d (world size %d)", dst, c.size)
	if err := c.transport.Send(backgroundcontext.Get(), dst, tag, data); err != nil {
		log.Fatalf("comm: send %d->%d tag %d: %v", c.rank, dst, tag, err)
	}
}

// Recv blocks until a message from rank src with the given tag
// arrives, copies its payload into buf, and returns the payload size.
// A payload larger than buf is a fatal error.
func (c *Context) Recv(src, tag int, buf []byte) int {
	env, err := c.transport.Mailbox().Recv(backgroundcontext.Get(), src, tag)
	if err != nil {
		log.Fatalf("comm: recv %d<-%d tag %d: %v", c.rank, src, tag, err)
	}
	must.Truef(len(env.Data) <= len(buf),
		"comm: recv %d<-%d tag %d: message of %d bytes truncated to %d",
		c.rank, src, tag, len(env.Data), len(buf))
	copy(buf, env.Data)
	return len(env.Data)
}

// Probe blocks until a message with the given tag is available from
// any source, and returns its source and exact byte size. The message
// is left queued for a subsequent Recv.
func (c *Context) Probe(tag int) Status {
	st, err := c.transport.Mailbox().Probe(backgroundcontext.Get(), tag)
	if err != nil {
		log.Fatalf("comm: probe rank %d tag %d: %v", c.rank, tag, err)
	}
	return st
}

// IProbe reports whether a message with the given tag is pending from
// any source. It never blocks; if no message is pending it returns
// false immediately.
func (c *Context) IProbe(tag int) (Status, bool) {
	return c.transport.Mailbox().TryProbe(tag)
}

// Isend starts a non-blocking send of data to rank dst under the
// given tag and returns a request tracking its completion. The data
// buffer must not be modified until the request has been waited on.
func (c *Context) Isend(dst, tag int, data []byte) *Request {
	must.Truef(dst >= 0 && dst < c.size, "comm: isend to invalid rank %d (world size %d)", dst, c.size)
	r := &Request{ctx: c, done: make(chan struct{})}
	go func() {
		r.err = c.transport.Send(backgroundcontext.Get(), dst, tag, data)
		close(r.done)
	}()
	return r
}

// Irecv posts a non-blocking receive from rank src with the given tag
// into buf and returns a request tracking its completion. The receive
// is satisfied when the request is waited on.
func (c *Context) Irecv(src, tag int, buf []byte) *Request {
	return &Request{ctx: c, src: src, tag: tag, buf: buf, recv: true}
}

// Permute returns the contexts reordered so that the context at world
// rank perm[i] occupies position i. It realizes rank reordering for
// single-binary worlds; multi-process worlds reorder by permuting the
// transport's address list instead. Reordering, if used at all, must
// happen before any topology is built on the contexts.
func Permute(perm []int, ctxs []*Context) []*Context {
	must.Truef(len(perm) == len(ctxs), "comm: permutation of %d over %d contexts", len(perm), len(ctxs))
	out := make([]*Context, len(ctxs))
	for i, p := range perm {
		out[i] = ctxs[p]
	}
	return out
}
