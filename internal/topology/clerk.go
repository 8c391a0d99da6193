package topology

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/pkg/common"
)

// Clerk reaches a remote coordinator. Calls are retried until ctx is done.
type Clerk struct {
	end   netw.Client
	retry time.Duration
}

func MakeClerk(network netw.Network, addr string) *Clerk {
	return &Clerk{
		end:   network.MakeClient(netw.ServiceCoordinator, addr),
		retry: 100 * time.Millisecond,
	}
}

func (ck *Clerk) call(ctx context.Context, method string, args interface{}, reply interface{}, errOf func() common.Err) error {
	for {
		err := ck.end.Call(ctx, method, args, reply)
		if err == nil {
			if e := errOf(); e != common.OK {
				return e.ToError()
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "coordinator %s", method)
		case <-time.After(ck.retry):
		}
	}
}

func (ck *Clerk) Join(ctx context.Context, nodeId int, addr string) (common.Topology, error) {
	args := common.JoinArgs{NodeId: nodeId, Addr: addr}
	reply := common.JoinReply{}
	err := ck.call(ctx, netw.ApiJoin, &args, &reply, func() common.Err { return reply.Err })
	return reply.Topology, err
}

func (ck *Clerk) Leave(ctx context.Context, nodeId int) error {
	args := common.LeaveArgs{NodeId: nodeId}
	reply := common.LeaveReply{}
	return ck.call(ctx, netw.ApiLeave, &args, &reply, func() common.Err { return reply.Err })
}

func (ck *Clerk) Query(ctx context.Context, nodeId int, version int64) (common.Topology, error) {
	t, _, err := ck.QueryNodes(ctx, nodeId, version)
	return t, err
}

// QueryNodes also returns the coordinator's view of every node.
func (ck *Clerk) QueryNodes(ctx context.Context, nodeId int, version int64) (common.Topology, []common.NodeInfo, error) {
	args := common.QueryArgs{NodeId: nodeId, Version: version}
	reply := common.QueryReply{}
	err := ck.call(ctx, netw.ApiQuery, &args, &reply, func() common.Err { return reply.Err })
	return reply.Topology, reply.Nodes, err
}

func (ck *Clerk) Close() {
	ck.end.Close()
}
