// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tcpnet_test

import (
	"context"
	"net"
	"testing"

	"github.com/grailbio/testutil/assert"
	"golang.org/x/sync/errgroup"

	"github.com/grailbio/groupcomm"
	"github.com/grailbio/groupcomm/comm"
	"github.com/grailbio/groupcomm/comm/tcpnet"
)

// startWorld brings up an n-rank mesh on loopback ephemeral ports.
func startWorld(t *testing.T, n int) ([]*comm.Context, []*tcpnet.Node) {
	t.Helper()
	listeners := make([]net.Listener, n)
	addrs := make([]string, n)
	for i := range listeners {
		lis, err := tcpnet.Listen("127.0.0.1:0")
		assert.NoError(t, err)
		listeners[i] = lis
		addrs[i] = lis.Addr().String()
	}
	ctxs := make([]*comm.Context, n)
	nodes := make([]*tcpnet.Node, n)
	var g errgroup.Group
	for i := range ctxs {
		i := i
		g.Go(func() error {
			node, err := tcpnet.Start(context.Background(), listeners[i], i, addrs)
			if err != nil {
				return err
			}
			t.Cleanup(node.Close)
			nodes[i] = node
			ctxs[i] = comm.New(node)
			return nil
		})
	}
	assert.NoError(t, g.Wait())
	return ctxs, nodes
}

func TestMesh(t *testing.T) {
	ctxs, _ := startWorld(t, 3)
	var g errgroup.Group
	for _, ctx := range ctxs {
		ctx := ctx
		g.Go(func() error {
			// Ring: send to the next rank, receive from the previous.
			next := (ctx.Rank() + 1) % ctx.Size()
			prev := (ctx.Rank() + ctx.Size() - 1) % ctx.Size()
			req := ctx.Isend(next, 11, []byte{byte(ctx.Rank())})
			st := ctx.Probe(11)
			if st.Source != prev || st.Size != 1 {
				t.Errorf("rank %d: probe %+v, want source %d size 1", ctx.Rank(), st, prev)
			}
			buf := make([]byte, 1)
			ctx.Recv(st.Source, 11, buf)
			if int(buf[0]) != prev {
				t.Errorf("rank %d: got %d, want %d", ctx.Rank(), buf[0], prev)
			}
			req.Wait()
			return nil
		})
	}
	assert.NoError(t, g.Wait())
}

func TestSequentialClose(t *testing.T) {
	// Closing nodes one at a time must not hang: each Close has to
	// unblock its own readers without waiting for the other ranks to
	// tear down their outgoing connections.
	ctxs, nodes := startWorld(t, 3)
	for _, ctx := range ctxs {
		next := (ctx.Rank() + 1) % ctx.Size()
		ctx.Send(next, 13, []byte{byte(ctx.Rank())})
	}
	for _, ctx := range ctxs {
		prev := (ctx.Rank() + ctx.Size() - 1) % ctx.Size()
		buf := make([]byte, 1)
		ctx.Recv(prev, 13, buf)
	}
	for _, node := range nodes {
		node.Close()
	}
}

func TestSelfSend(t *testing.T) {
	ctxs, _ := startWorld(t, 2)
	ctxs[0].Send(0, 12, []byte("loop"))
	buf := make([]byte, 4)
	if n := ctxs[0].Recv(0, 12, buf); n != 4 || string(buf) != "loop" {
		t.Errorf("self send: %d bytes %q", n, buf)
	}
}

func TestTopologyOverTCP(t *testing.T) {
	// The full topology exchange and a collective round work across
	// real connections.
	ctxs, _ := startWorld(t, 2)
	var g errgroup.Group
	for _, ctx := range ctxs {
		ctx := ctx
		g.Go(func() error {
			topo := groupcomm.NewGroupTopology(ctx)
			ids := topo.Create([][]int{{0, 1}}, 500)
			if topo.GroupMasterRank(ids[0]) != 0 {
				t.Errorf("rank %d: master of {0,1} is %d", ctx.Rank(), topo.GroupMasterRank(ids[0]))
			}
			gc := groupcomm.NewGroupCommunicator(topo, groupcomm.ByGroup)
			gc.Create(ids)
			defer gc.Close()
			vals := []int{0}
			if ctx.Root() {
				vals[0] = 99
			}
			groupcomm.Bcast(gc, vals, groupcomm.LayoutAll)
			if vals[0] != 99 {
				t.Errorf("rank %d: bcast value %d, want 99", ctx.Rank(), vals[0])
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())
}
