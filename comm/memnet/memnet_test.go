// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package memnet

import (
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestWorld(t *testing.T) {
	ctxs := Contexts(NewWorld(3))
	for i, ctx := range ctxs {
		if ctx.Rank() != i || ctx.Size() != 3 {
			t.Fatalf("context %d: rank %d size %d", i, ctx.Rank(), ctx.Size())
		}
	}
	var g errgroup.Group
	for _, ctx := range ctxs {
		ctx := ctx
		g.Go(func() error {
			// Everyone sends its rank to rank 0.
			if !ctx.Root() {
				r := ctx.Isend(0, 1, []byte{byte(ctx.Rank())})
				r.Wait()
				return nil
			}
			seen := make(map[int]bool)
			for i := 1; i < ctx.Size(); i++ {
				st := ctx.Probe(1)
				buf := make([]byte, st.Size)
				n := ctx.Recv(st.Source, 1, buf)
				if n != 1 || int(buf[0]) != st.Source {
					t.Errorf("from %d: got %v (%d bytes)", st.Source, buf, n)
				}
				seen[st.Source] = true
			}
			if len(seen) != 2 {
				t.Errorf("heard from %d ranks, want 2", len(seen))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestSendCopies(t *testing.T) {
	ctxs := Contexts(NewWorld(2))
	data := []byte("mutable")
	req := ctxs[0].Isend(1, 2, data)
	req.Wait()
	data[0] = 'X'
	buf := make([]byte, len(data))
	ctxs[1].Recv(0, 2, buf)
	if string(buf) != "mutable" {
		t.Errorf("receiver observed sender's mutation: %q", buf)
	}
}

func TestIrecvCompletesAtWait(t *testing.T) {
	ctxs := Contexts(NewWorld(2))
	buf := make([]byte, 3)
	req := ctxs[1].Irecv(0, 3, buf)
	ctxs[0].Send(1, 3, []byte("abc"))
	if n := req.Wait(); n != 3 || string(buf) != "abc" {
		t.Errorf("got %d bytes %q", n, buf)
	}
	// Waiting again is a no-op.
	if n := req.Wait(); n != 3 {
		t.Errorf("re-wait returned %d", n)
	}
}
