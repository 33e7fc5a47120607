// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tcpnet provides a comm transport over TCP. A world is
// bootstrapped from an address list, one address per rank: every rank
// listens on its own address and dials every other, so each ordered
// pair of ranks shares one connection carrying a gob stream of tagged
// envelopes. Reader goroutines feed the local mailbox, preserving
// per-connection delivery order.
package tcpnet

import (
	"bufio"
	"context"
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"golang.org/x/sync/errgroup"

	"github.com/grailbio/groupcomm/comm"
)

// Peers may come up in any order; dials are retried until the whole
// mesh is established.
var dialPolicy = retry.MaxTries(retry.Backoff(100*time.Millisecond, 2*time.Second, 1.5), 50)

type hello struct {
	Rank int
}

type envelope struct {
	Tag  int
	Data []byte
}

// A Node is one rank's endpoint in a TCP world. It implements
// comm.Transport.
type Node struct {
	rank  int
	addrs []string
	box   *comm.Mailbox
	peers []*peer

	lis    net.Listener
	cancel context.CancelFunc
	g      *errgroup.Group

	// Accepted inbound connections, held by reader goroutines. Close
	// must close them to unblock the readers; a context cancel cannot
	// interrupt a blocked Read.
	mu       sync.Mutex
	accepted []net.Conn
}

type peer struct {
	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer
	enc  *gob.Encoder
}

// Listen announces on the given TCP address. Passing the listener to
// Start separately lets callers bind ephemeral ports before the full
// address list is known.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Start establishes the full mesh for the given rank: it serves
// incoming connections on lis and dials the address of every other
// rank in addrs. It returns once the mesh is complete. The rank's
// address, addrs[rank], must be the address lis is bound to.
func Start(ctx context.Context, lis net.Listener, rank int, addrs []string) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	n := &Node{
		rank:   rank,
		addrs:  addrs,
		box:    comm.NewMailbox(),
		peers:  make([]*peer, len(addrs)),
		lis:    lis,
		cancel: cancel,
		g:      g,
	}
	g.Go(func() error {
		return n.serve(ctx)
	})
	err := traverse.Each(len(addrs), func(i int) error {
		if i == rank {
			return nil
		}
		return n.dial(ctx, i)
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// serve accepts one connection from every other rank and spawns a
// reader for each.
func (n *Node) serve(ctx context.Context) error {
	for i := 1; i < len(n.addrs); i++ {
		conn, err := n.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = errors.E(err, "tcpnet: accept on ", n.addrs[n.rank])
			n.box.Fail(err)
			return err
		}
		n.mu.Lock()
		n.accepted = append(n.accepted, conn)
		n.mu.Unlock()
		n.g.Go(func() error {
			return n.read(ctx, conn)
		})
	}
	return nil
}

// read decodes the peer's hello and then streams envelopes into the
// local mailbox until the connection drops.
func (n *Node) read(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	dec := gob.NewDecoder(bufio.NewReader(conn))
	var h hello
	if err := dec.Decode(&h); err != nil {
		err = errors.E(err, "tcpnet: bad handshake")
		n.box.Fail(err)
		return err
	}
	log.Debug.Printf("tcpnet: rank %d: connection from rank %d", n.rank, h.Rank)
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = errors.E(err, "tcpnet: read from rank ", h.Rank)
			n.box.Fail(err)
			return err
		}
		n.box.Put(comm.Envelope{Source: h.Rank, Tag: env.Tag, Data: env.Data})
	}
}

func (n *Node) dial(ctx context.Context, dst int) error {
	var (
		conn net.Conn
		err  error
	)
	for retries := 0; ; retries++ {
		conn, err = new(net.Dialer).DialContext(ctx, "tcp", n.addrs[dst])
		if err == nil {
			break
		}
		if werr := retry.Wait(ctx, dialPolicy, retries); werr != nil {
			return errors.E(err, "tcpnet: dial rank ", dst, " at ", n.addrs[dst])
		}
	}
	w := bufio.NewWriter(conn)
	p := &peer{conn: conn, w: w, enc: gob.NewEncoder(w)}
	if err := p.enc.Encode(hello{Rank: n.rank}); err != nil {
		conn.Close()
		return errors.E(err, "tcpnet: handshake with rank ", dst)
	}
	if err := w.Flush(); err != nil {
		conn.Close()
		return errors.E(err, "tcpnet: handshake with rank ", dst)
	}
	n.peers[dst] = p
	return nil
}

// Rank returns the local rank.
func (n *Node) Rank() int { return n.rank }

// Size returns the number of ranks in the world.
func (n *Node) Size() int { return len(n.addrs) }

// Mailbox returns the local rank's incoming message queue.
func (n *Node) Mailbox() *comm.Mailbox { return n.box }

// Send delivers data to rank dst under the given tag. A send to the
// local rank is delivered directly to the mailbox.
func (n *Node) Send(_ context.Context, dst, tag int, data []byte) error {
	if dst == n.rank {
		n.box.Put(comm.Envelope{Source: n.rank, Tag: tag, Data: append([]byte(nil), data...)})
		return nil
	}
	p := n.peers[dst]
	if p == nil {
		return errors.E("tcpnet: no connection to rank ", dst)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(envelope{Tag: tag, Data: data}); err != nil {
		return errors.E(err, "tcpnet: send to rank ", dst)
	}
	if err := p.w.Flush(); err != nil {
		return errors.E(err, "tcpnet: send to rank ", dst)
	}
	return nil
}

// Close tears the mesh down and waits for the node's goroutines to
// drain. Messages already delivered to the mailbox remain readable.
func (n *Node) Close() {
	n.cancel()
	n.lis.Close()
	for _, p := range n.peers {
		if p != nil {
			p.conn.Close()
		}
	}
	// Unblock the readers sitting in Read on the inbound side; a
	// canceled context does not interrupt them.
	n.mu.Lock()
	for _, conn := range n.accepted {
		conn.Close()
	}
	n.mu.Unlock()
	_ = n.g.Wait()
}
