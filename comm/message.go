// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"github.com/grailbio/base/must"
)

// A Codec serializes structured payload data into and out of a
// message's raw bytes. Encode runs just before the bytes are sent to
// rank; Decode runs just after they are received from rank. Codec
// errors indicate corrupt or mismatched payloads and are fatal.
type Codec interface {
	Encode(rank int) ([]byte, error)
	Decode(rank int, data []byte) error
}

// A Message is a single variable-length message of one class. The
// class tag distinguishes message kinds that are concurrently in
// flight on the same world: a probe or receive for one class never
// observes messages of another.
//
// A message with a codec carries structured data; the codec is run on
// send and receive. A message without one carries Data verbatim.
//
// A message may have at most one send pending. It is a fatal error to
// reuse, copy (Clone) or discard (Close) a message whose send has not
// completed: the pending request cannot be meaningfully duplicated or
// abandoned. WaitAllSent, or waiting the request returned by Isend,
// clears the pending state.
type Message struct {
	// Class is the message's class tag.
	Class int
	// Data is the raw byte payload.
	Data []byte
	// Codec, if non-nil, frames structured data into Data on send and
	// out of Data on receive.
	Codec Codec

	send *Request
}

// Isend encodes the payload and starts a non-blocking send to rank
// dst. The message must not already have a send pending.
func (m *Message) Isend(c *Context, dst int) {
	must.Truef(m.send == nil, "comm: Isend of class %d with a send already pending; Clear first", m.Class)
	if m.Codec != nil {
		data, err := m.Codec.Encode(dst)
		must.Nil(err, "comm: encode message of class ", m.Class)
		m.Data = data
	}
	m.send = c.Isend(dst, m.Class, m.Data)
}

// Recv performs a blocking receive of exactly size bytes from rank
// src, as discovered by a preceding Probe or IProbe, and decodes the
// payload. A received byte count different from size is fatal.
func (m *Message) Recv(c *Context, src, size int) {
	must.Truef(size >= 0, "comm: Recv of negative size %d", size)
	m.Data = make([]byte, size)
	n := c.Recv(src, m.Class, m.Data)
	must.Truef(n == size, "comm: Recv of class %d from rank %d: got %d bytes, want %d", m.Class, src, n, size)
	if m.Codec != nil {
		must.Nil(m.Codec.Decode(src, m.Data), "comm: decode message of class ", m.Class)
	}
}

// RecvDrop receives and discards a message of the given size from
// rank src without decoding it.
func (m *Message) RecvDrop(c *Context, src, size int) {
	buf := make([]byte, size)
	n := c.Recv(src, m.Class, buf)
	must.Truef(n == size, "comm: RecvDrop of class %d from rank %d: got %d bytes, want %d", m.Class, src, n, size)
	m.Data = nil
}

// Clear resets the message's payload and pending-send state. Clear
// must only be called after a pending send has been waited on.
func (m *Message) Clear() {
	m.Data = nil
	m.send = nil
}

// Pending tells whether the message has a send in flight.
func (m *Message) Pending() bool { return m.send != nil }

// Clone returns a copy of the message. Cloning a message with a
// pending send is fatal, since the pending request cannot be
// duplicated.
func (m *Message) Clone() *Message {
	must.Truef(m.send == nil, "comm: cannot copy a message of class %d with a pending send", m.Class)
	c := &Message{Class: m.Class, Codec: m.Codec}
	if m.Data != nil {
		c.Data = append([]byte(nil), m.Data...)
	}
	return c
}

// Close discards the message. Closing a message whose send is still
// pending is fatal: WaitAllSent (or Request.Wait) must run first.
func (m *Message) Close() {
	must.Truef(m.send == nil, "comm: message of class %d destroyed with a pending send; WaitAllSent was not called after Isend", m.Class)
	m.Data = nil
}

// IsendAll starts a non-blocking send of every message in msgs to its
// map key's rank.
func IsendAll(c *Context, msgs map[int]*Message) {
	for dst, m := range msgs {
		m.Isend(c, dst)
	}
}

// WaitAllSent blocks until every pending send in msgs has completed,
// then clears the messages. It must run before msgs, or any message
// in it with a pending send, may be discarded.
func WaitAllSent(msgs map[int]*Message) {
	for _, m := range msgs {
		if m.send != nil {
			m.send.Wait()
		}
		m.Clear()
	}
}

// RecvAll probes and receives messages of the given class until every
// entry of msgs has been filled from its map key's rank. A message
// from a rank not present in msgs is fatal. RecvAll does not defend
// against two messages arriving from the same source when only one
// was expected; avoiding that is the caller's responsibility.
func RecvAll(c *Context, class int, msgs map[int]*Message) {
	for left := len(msgs); left > 0; left-- {
		st := c.Probe(class)
		m, ok := msgs[st.Source]
		must.Truef(ok, "comm: unexpected message of class %d from rank %d", class, st.Source)
		m.Recv(c, st.Source, st.Size)
	}
}
