// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides context-aware synchronization primitives.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable whose Wait honors context
// cancellation. It is used by mailboxes to block receivers and
// probers until a matching message arrives.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond based on Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast wakes all goroutines blocked in Wait. Broadcast must
// only be called while the cond's lock is held.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait blocks until the next Broadcast, or until the context is
// done, in which case the context's error is returned. The cond's
// lock must be held when calling Wait; it is held again on return.
func (c *Cond) Wait(ctx context.Context) error {
	waitc := c.arm()
	c.l.Unlock()
	defer c.l.Lock()
	select {
	case <-waitc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// arm returns the channel the next Broadcast will close, creating it
// if no Wait is outstanding. The caller must hold the cond's lock.
func (c *Cond) arm() chan struct{} {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	return c.waitc
}
