// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package groupcomm implements group-structured collective
// communication for distributed computations in which shared items
// are replicated across subsets of ranks that must stay synchronized.
//
// A GroupTopology canonically numbers the groups of ranks that
// jointly own shared items and elects a deterministic master per
// group. A GroupCommunicator then broadcasts and reduces per-item
// values across those groups using packed buffers over non-blocking
// point-to-point transport (package comm), one exchange per group or
// aggregated per neighbor.
//
// Collectives come in fused and split forms: BcastBegin/BcastEnd and
// ReduceBegin/ReduceEnd let a caller overlap unrelated local work
// with in-flight communication. A communicator admits at most one
// operation in flight; misuse is fatal rather than recovered, since
// it indicates a caller bug.
package groupcomm
