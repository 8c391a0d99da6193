package node

import (
	"context"

	"github.com/pkg/errors"

	"github.com/allen1211/pkv/pkg/common"
)

// NodeRPC is the node's network face. Handlers report failures in reply.Err
// and keep the transport error for the transport.
type NodeRPC struct {
	n *Node
}

func (r *NodeRPC) Get(ctx context.Context, args *common.GetArgs, reply *common.GetReply) error {
	reply.NodeId = r.n.Id
	if r.n.Killed() {
		reply.Err = common.ErrNodeClosed
		return nil
	}
	pid := r.n.partitionOf(args.Key)
	value, found, err := r.n.read(pid, args.Key)
	if err != nil {
		reply.Err = common.ToErr(err)
		return nil
	}
	reply.Err = common.OK
	reply.Found = found
	reply.Value = value
	return nil
}

func (r *NodeRPC) Mutate(ctx context.Context, args *common.MutateArgs, reply *common.MutateReply) error {
	reply.NodeId = r.n.Id
	if r.n.Killed() {
		reply.Err = common.ErrNodeClosed
		return nil
	}
	if len(args.Mutations) == 0 {
		reply.Err = common.OK
		return nil
	}
	parts := r.n.Partitions()
	pid := common.KeyToPartition(args.Mutations[0].Key, parts)
	for _, m := range args.Mutations[1:] {
		if common.KeyToPartition(m.Key, parts) != pid {
			reply.Err = common.ToErr(errors.New("mutations of one call must share a partition"))
			return nil
		}
	}
	counters, err := r.n.mutate(pid, args.Mutations, args.SkipExisting)
	reply.Err = common.ToErr(err)
	reply.Counters = counters
	return nil
}

func (r *NodeRPC) Replicate(ctx context.Context, args *common.ReplicateArgs, reply *common.ReplicateReply) error {
	if r.n.Killed() {
		reply.Err = common.ErrNodeClosed
		return nil
	}
	reply.Err = common.ToErr(r.n.applyReplicate(args.Partition, args.Mutations))
	return nil
}

// Demand opens a supply session. Both sides must act on the same topology
// version, so a supplier never serves a demander it has not seen assigned.
func (r *NodeRPC) Demand(ctx context.Context, args *common.DemandArgs, reply *common.DemandReply) error {
	n := r.n
	if n.Killed() {
		reply.Err = common.ErrNodeClosed
		return nil
	}
	n.mu.RLock()
	version := n.topo.Version
	n.mu.RUnlock()
	switch {
	case args.Version > version:
		reply.Err = common.ErrFutureVersion
		return nil
	case args.Version < version:
		reply.Err = common.ErrStaleVersion
		return nil
	}

	res, err := n.supplier.Open(args.Partition, args.From, args.Version, args.LastCounter)
	if err != nil {
		n.log.Debugf("Node %d: demand of partition %d from node %d refused: %v", n.Id, args.Partition, args.From, err)
		reply.Err = common.ToErr(err)
		return nil
	}
	*reply = res
	return nil
}

func (r *NodeRPC) Supply(ctx context.Context, args *common.SupplyArgs, reply *common.SupplyReply) error {
	if r.n.Killed() {
		reply.Err = common.ErrNodeClosed
		return nil
	}
	entries, last, err := r.n.supplier.Supply(args.Session, args.Batch)
	if err != nil {
		reply.Err = common.ToErr(err)
		return nil
	}
	reply.Err = common.OK
	reply.Entries = entries
	reply.Last = last
	return nil
}

func (r *NodeRPC) Forward(ctx context.Context, args *common.ForwardArgs, reply *common.ForwardReply) error {
	if r.n.Killed() {
		reply.Err = common.ErrNodeClosed
		return nil
	}
	res, err := r.n.supplier.Forward(args.Session, args.Seq)
	if err != nil {
		reply.Err = common.ToErr(err)
		return nil
	}
	*reply = res
	return nil
}

func (r *NodeRPC) Cancel(ctx context.Context, args *common.CancelArgs, reply *common.CancelReply) error {
	if r.n.Killed() {
		reply.Err = common.ErrNodeClosed
		return nil
	}
	r.n.supplier.Cancel(args.Session)
	reply.Err = common.OK
	return nil
}

func (r *NodeRPC) Show(ctx context.Context, args *common.ShowArgs, reply *common.ShowReply) error {
	reply.NodeId = r.n.Id
	if r.n.Killed() {
		reply.Err = common.ErrNodeClosed
		return nil
	}
	reply.Err = common.OK
	reply.Version = r.n.Version()
	reply.Partitions = r.n.Show(args.Partitions...)
	return nil
}
