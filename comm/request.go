// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

// A Request tracks the completion of a non-blocking send or receive.
// Requests are owned by the rank that issued them and must be waited
// on by that rank; they are not safe for concurrent use.
type Request struct {
	ctx *Context

	// Send requests: done is closed when the transport has accepted
	// the payload; err records a transport failure.
	done chan struct{}
	err  error

	// Receive requests are satisfied lazily at Wait time: the posted
	// (src, tag) pair is matched against the mailbox and the payload
	// copied into buf.
	recv      bool
	src, tag  int
	buf       []byte
	n         int
	completed bool
}

// Wait blocks until the request completes. For receives it returns
// the received payload size in bytes; for sends it returns 0.
// Transport failures and truncated receives are fatal. Waiting an
// already-completed request is a no-op.
func (r *Request) Wait() int {
	if r.recv {
		if r.completed {
			return r.n
		}
		env, err := r.ctx.transport.Mailbox().Recv(backgroundcontext.Get(), r.src, r.tag)
		if err != nil {
			log.Fatalf("comm: recv %d<-%d tag %d: %v", r.ctx.rank, r.src, r.tag, err)
		}
		must.Truef(len(env.Data) <= len(r.buf),
			"comm: recv %d<-%d tag %d: message of %d bytes truncated to %d",
			r.ctx.rank, r.src, r.tag, len(env.Data), len(r.buf))
		copy(r.buf, env.Data)
		r.n = len(env.Data)
		r.completed = true
		return r.n
	}
	if !r.completed {
		<-r.done
		if r.err != nil {
			log.Fatalf("comm: send from %d: %v", r.ctx.rank, r.err)
		}
		r.completed = true
	}
	return 0
}

// WaitAll waits for every request in reqs. Nil entries are skipped.
func WaitAll(reqs []*Request) {
	for _, r := range reqs {
		if r != nil {
			r.Wait()
		}
	}
}
