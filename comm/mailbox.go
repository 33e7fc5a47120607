// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"

	"github.com/grailbio/groupcomm/ctxsync"
)

// A Mailbox queues a rank's incoming envelopes and matches them
// against probes and receives. Matching is FIFO per (source, tag)
// pair: the earliest queued envelope satisfying a query wins.
//
// Transports call Put from their delivery goroutines; the owning rank
// calls Probe, TryProbe and Recv. A transport that fails permanently
// calls Fail, after which all pending and future matches return the
// failure.
type Mailbox struct {
	mu    sync.Mutex
	cond  *ctxsync.Cond
	queue []Envelope
	err   error
}

// NewMailbox returns a new, empty mailbox.
func NewMailbox() *Mailbox {
	m := new(Mailbox)
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Put queues an envelope and wakes any blocked matchers.
func (m *Mailbox) Put(env Envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Fail marks the mailbox as broken. Blocked and future matchers
// return err.
func (m *Mailbox) Fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

// match returns the queue index of the earliest envelope with the
// given tag, and source if anySource is false. The caller must hold
// the mailbox's lock.
func (m *Mailbox) match(src, tag int, anySource bool) (int, bool) {
	for i, env := range m.queue {
		if env.Tag == tag && (anySource || env.Source == src) {
			return i, true
		}
	}
	return 0, false
}

// remove removes and returns the envelope at queue index i. The
// caller must hold the mailbox's lock.
func (m *Mailbox) remove(i int) Envelope {
	env := m.queue[i]
	m.queue = append(m.queue[:i], m.queue[i+1:]...)
	return env
}

// Probe blocks until an envelope with the given tag is queued from
// any source and describes it, leaving it queued.
func (m *Mailbox) Probe(ctx context.Context, tag int) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.err != nil {
			return Status{}, m.err
		}
		if i, ok := m.match(0, tag, true); ok {
			env := m.queue[i]
			return Status{Source: env.Source, Size: len(env.Data)}, nil
		}
		if err := m.cond.Wait(ctx); err != nil {
			return Status{}, err
		}
	}
}

// TryProbe reports whether an envelope with the given tag is queued
// from any source. It never blocks.
func (m *Mailbox) TryProbe(tag int) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.match(0, tag, true)
	if !ok {
		return Status{}, false
	}
	env := m.queue[i]
	return Status{Source: env.Source, Size: len(env.Data)}, true
}

// Recv blocks until an envelope from src with the given tag is
// queued, removes it, and returns it.
func (m *Mailbox) Recv(ctx context.Context, src, tag int) (Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.err != nil {
			return Envelope{}, m.err
		}
		if i, ok := m.match(src, tag, false); ok {
			return m.remove(i), nil
		}
		if err := m.cond.Wait(ctx); err != nil {
			return Envelope{}, err
		}
	}
}

// N returns the number of queued envelopes. It is intended for
// diagnostics and tests.
func (m *Mailbox) N() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
