// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Gcdemo runs a small group-collective exchange across multiple OS
// processes over TCP. Each adjacent pair of ranks shares one item; a
// broadcast pushes the master's value to its partner and a reduction
// sums both contributions into the master.
//
// Start one process per rank, all with the same address list:
//
//	gcdemo -rank 0 -addrs host0:9000,host1:9000,host2:9000
//	gcdemo -rank 1 -addrs host0:9000,host1:9000,host2:9000
//	...
package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"github.com/grailbio/groupcomm"
	"github.com/grailbio/groupcomm/comm"
	"github.com/grailbio/groupcomm/comm/tcpnet"
)

func main() {
	var (
		rank     = flag.Int("rank", -1, "this process's rank")
		addrList = flag.String("addrs", "", "comma-separated listen addresses, one per rank")
	)
	log.AddFlags()
	flag.Parse()
	must.Func = log.Fatal

	addrs := strings.Split(*addrList, ",")
	must.True(*rank >= 0 && *rank < len(addrs), "need -rank in [0, len(-addrs))")
	must.True(len(addrs) > 1, "need at least two ranks")

	lis, err := tcpnet.Listen(addrs[*rank])
	must.Nil(err, "listen")
	node, err := tcpnet.Start(context.Background(), lis, *rank, addrs)
	must.Nil(err, "mesh bootstrap")
	defer node.Close()
	ctx := comm.New(node)

	// One shared item per adjacent rank pair; each rank holds its
	// left and right items where they exist.
	var sets [][]int
	if !ctx.Root() {
		sets = append(sets, []int{ctx.Rank() - 1, ctx.Rank()})
	}
	if ctx.Rank() < ctx.Size()-1 {
		sets = append(sets, []int{ctx.Rank(), ctx.Rank() + 1})
	}
	topo := groupcomm.NewGroupTopology(ctx)
	itemGroup := topo.Create(sets, 900)
	log.Printf("rank %d: %d groups, %d neighbors", ctx.Rank(), topo.NGroups(), topo.NumNeighbors())

	gc := groupcomm.NewGroupCommunicator(topo, groupcomm.ByNeighbor)
	gc.Create(itemGroup)
	defer gc.Close()

	// Broadcast: masters seed their items with a rank-derived value.
	vals := make([]int, len(sets))
	for i, g := range itemGroup {
		if topo.IAmMaster(g) {
			vals[i] = 100 + ctx.Rank()
		}
	}
	groupcomm.Bcast(gc, vals, groupcomm.LayoutAll)
	log.Printf("rank %d: after bcast: %v", ctx.Rank(), vals)

	// Reduction: every member contributes its rank plus one; each
	// master ends up with the pair sum.
	for i := range vals {
		vals[i] = ctx.Rank() + 1
	}
	groupcomm.Reduce(gc, vals, groupcomm.Sum)
	log.Printf("rank %d: after sum reduce: %v", ctx.Rank(), vals)

	gc.PrintInfo(os.Stdout)
}
