// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm_test

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"testing"

	"github.com/grailbio/base/must"
	"golang.org/x/sync/errgroup"

	"github.com/grailbio/groupcomm/comm"
	"github.com/grailbio/groupcomm/comm/memnet"
)

// payload is a gob-framed structured payload for tests.
type payload struct {
	From  int
	Words []string
}

func (p *payload) Encode(rank int) ([]byte, error) {
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(p)
	return b.Bytes(), err
}

func (p *payload) Decode(rank int, data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(p)
}

func run(t *testing.T, n int, fn func(ctx *comm.Context)) {
	t.Helper()
	ctxs := memnet.Contexts(memnet.NewWorld(n))
	var g errgroup.Group
	for _, ctx := range ctxs {
		ctx := ctx
		g.Go(func() error {
			fn(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestMessageProbeRecv(t *testing.T) {
	const tag = 7
	run(t, 2, func(ctx *comm.Context) {
		if ctx.Root() {
			p := &payload{From: 0, Words: []string{"alpha", "beta"}}
			m := &comm.Message{Class: tag, Codec: p}
			m.Isend(ctx, 1)
			comm.WaitAllSent(map[int]*comm.Message{1: m})
			m.Close()
			return
		}
		var got payload
		m := &comm.Message{Class: tag, Codec: &got}
		st := ctx.Probe(tag)
		if st.Source != 0 {
			t.Errorf("probe source %d, want 0", st.Source)
		}
		m.Recv(ctx, st.Source, st.Size)
		if got.From != 0 || len(got.Words) != 2 || got.Words[1] != "beta" {
			t.Errorf("decoded %+v", got)
		}
		m.Close()
	})
}

func TestMessageIProbe(t *testing.T) {
	const tag = 8
	run(t, 2, func(ctx *comm.Context) {
		if ctx.Root() {
			// Nothing has been sent on this tag yet.
			if _, ok := ctx.IProbe(tag); ok {
				t.Error("IProbe claims a pending message on a quiet tag")
			}
			m := &comm.Message{Class: tag, Data: []byte("ping")}
			m.Isend(ctx, 1)
			comm.WaitAllSent(map[int]*comm.Message{1: m})
			return
		}
		// Poll until the message lands; IProbe itself must not block.
		var st comm.Status
		for {
			var ok bool
			if st, ok = ctx.IProbe(tag); ok {
				break
			}
		}
		if st.Size != 4 {
			t.Errorf("probed size %d, want 4", st.Size)
		}
		m := &comm.Message{Class: tag}
		m.Recv(ctx, st.Source, st.Size)
		if string(m.Data) != "ping" {
			t.Errorf("got %q", m.Data)
		}
	})
}

func TestMessageRecvDrop(t *testing.T) {
	const tag = 9
	run(t, 2, func(ctx *comm.Context) {
		if ctx.Root() {
			m := &comm.Message{Class: tag, Data: []byte("discard me")}
			m.Isend(ctx, 1)
			comm.WaitAllSent(map[int]*comm.Message{1: m})
			return
		}
		st := ctx.Probe(tag)
		m := &comm.Message{Class: tag}
		m.RecvDrop(ctx, st.Source, st.Size)
		if m.Data != nil {
			t.Errorf("dropped message retained %d bytes", len(m.Data))
		}
	})
}

func TestMessageClassIsolation(t *testing.T) {
	// Two message classes in flight on the same world do not observe
	// each other's traffic.
	run(t, 2, func(ctx *comm.Context) {
		if ctx.Root() {
			a := &comm.Message{Class: 21, Data: []byte("a")}
			b := &comm.Message{Class: 22, Data: []byte("bb")}
			a.Isend(ctx, 1)
			b.Isend(ctx, 1)
			comm.WaitAllSent(map[int]*comm.Message{1: a})
			comm.WaitAllSent(map[int]*comm.Message{1: b})
			return
		}
		// Receive the second class first.
		st := ctx.Probe(22)
		if st.Size != 2 {
			t.Errorf("class 22 size %d, want 2", st.Size)
		}
		m := &comm.Message{Class: 22}
		m.Recv(ctx, st.Source, st.Size)
		st = ctx.Probe(21)
		if st.Size != 1 {
			t.Errorf("class 21 size %d, want 1", st.Size)
		}
		m = &comm.Message{Class: 21}
		m.Recv(ctx, st.Source, st.Size)
	})
}

func TestRecvAll(t *testing.T) {
	const tag = 10
	run(t, 3, func(ctx *comm.Context) {
		if !ctx.Root() {
			m := &comm.Message{Class: tag, Data: []byte{byte(ctx.Rank())}}
			msgs := map[int]*comm.Message{0: m}
			comm.IsendAll(ctx, msgs)
			comm.WaitAllSent(msgs)
			return
		}
		msgs := map[int]*comm.Message{
			1: {Class: tag},
			2: {Class: tag},
		}
		comm.RecvAll(ctx, tag, msgs)
		for src, m := range msgs {
			if len(m.Data) != 1 || int(m.Data[0]) != src {
				t.Errorf("from %d: got %v", src, m.Data)
			}
		}
	})
}

// catchFatal redirects fatal assertions to panics for the duration
// of fn and returns the assertion message, or "" if none fired.
func catchFatal(fn func()) (msg string) {
	old := must.Func
	must.Func = func(v ...interface{}) {
		panic("fatal: " + fmt.Sprint(v...))
	}
	defer func() {
		must.Func = old
		if r := recover(); r != nil {
			msg = fmt.Sprint(r)
		}
	}()
	fn()
	return ""
}

func TestMessagePendingSendViolations(t *testing.T) {
	run(t, 2, func(ctx *comm.Context) {
		if !ctx.Root() {
			m := &comm.Message{Class: 30}
			st := ctx.Probe(30)
			m.Recv(ctx, st.Source, st.Size)
			return
		}
		m := &comm.Message{Class: 30, Data: []byte("x")}
		m.Isend(ctx, 1)

		if msg := catchFatal(func() { m.Close() }); !strings.Contains(msg, "pending send") {
			t.Errorf("Close with pending send: got %q", msg)
		}
		if msg := catchFatal(func() { m.Clone() }); !strings.Contains(msg, "pending send") {
			t.Errorf("Clone with pending send: got %q", msg)
		}
		if msg := catchFatal(func() { m.Isend(ctx, 1) }); !strings.Contains(msg, "already pending") {
			t.Errorf("double Isend: got %q", msg)
		}

		comm.WaitAllSent(map[int]*comm.Message{1: m})
		if m.Pending() {
			t.Error("message still pending after WaitAllSent")
		}
		m.Close()
	})
}

func TestMessageClone(t *testing.T) {
	m := &comm.Message{Class: 5, Data: []byte("abc")}
	c := m.Clone()
	c.Data[0] = 'z'
	if string(m.Data) != "abc" {
		t.Errorf("clone aliases original: %q", m.Data)
	}
	if c.Class != 5 {
		t.Errorf("clone class %d, want 5", c.Class)
	}
}
