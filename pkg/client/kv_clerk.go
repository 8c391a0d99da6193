package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/internal/topology"
	"github.com/allen1211/pkv/pkg/common"
)

// KvClerk talks to the cluster from outside: it learns the topology from the
// coordinator and sends every request to the primary of the key's partition.
type KvClerk struct {
	coord   *topology.Clerk
	network netw.Network
	log     *logrus.Logger
	tsr     *common.ThreadSafeRand

	retryInterval  time.Duration
	requestTimeout time.Duration

	mu    sync.RWMutex
	topo  common.Topology
	nodes []common.NodeInfo
	ends  map[int]netw.Client
}

func MakeKvClerk(network netw.Network, coordinator string, logger *logrus.Logger) *KvClerk {
	return &KvClerk{
		coord:          topology.MakeClerk(network, coordinator),
		network:        network,
		log:            logger,
		tsr:            common.MakeThreadSafeRand(time.Now().UnixNano()),
		retryInterval:  50 * time.Millisecond,
		requestTimeout: 3 * time.Second,
		ends:           make(map[int]netw.Client),
	}
}

// Refresh fetches the latest topology and the node list from the coordinator.
func (ck *KvClerk) Refresh(ctx context.Context) (common.Topology, error) {
	t, nodes, err := ck.coord.QueryNodes(ctx, 0, -1)
	if err != nil {
		return common.Topology{}, err
	}
	ck.mu.Lock()
	defer ck.mu.Unlock()
	if t.Version >= ck.topo.Version {
		ck.topo = t
	}
	ck.nodes = nodes
	return ck.topo.Clone(), nil
}

func (ck *KvClerk) Topology() common.Topology {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	return ck.topo.Clone()
}

func (ck *KvClerk) Nodes() []common.NodeInfo {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	return append([]common.NodeInfo(nil), ck.nodes...)
}

// Partitions implements Submitter. It is zero until the first Refresh.
func (ck *KvClerk) Partitions() int {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	return ck.topo.NumPartitions()
}

func (ck *KvClerk) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var reply common.GetReply
	err := ck.route(ctx, key, func(version int64) (string, interface{}, interface{}) {
		reply = common.GetReply{}
		args := &common.GetArgs{BaseArgs: common.BaseArgs{Version: version}, Key: key}
		return netw.ApiGet, args, &reply
	}, func() common.Err { return reply.Err })
	if err != nil {
		return nil, false, err
	}
	return reply.Value, reply.Found, nil
}

func (ck *KvClerk) Put(ctx context.Context, key string, value []byte) error {
	return ck.Submit(ctx, []common.Mutation{{Op: common.OpPut, Key: key, Value: value}}, false)
}

func (ck *KvClerk) Remove(ctx context.Context, key string) error {
	return ck.Submit(ctx, []common.Mutation{{Op: common.OpRemove, Key: key}}, false)
}

// Submit implements Submitter. Mutations are sent one partition at a time.
func (ck *KvClerk) Submit(ctx context.Context, ms []common.Mutation, skipExisting bool) error {
	if ck.Partitions() == 0 {
		if _, err := ck.Refresh(ctx); err != nil {
			return err
		}
	}
	parts := ck.Partitions()
	byPid := make(map[int][]common.Mutation)
	var order []int
	for _, m := range ms {
		pid := common.KeyToPartition(m.Key, parts)
		if _, ok := byPid[pid]; !ok {
			order = append(order, pid)
		}
		byPid[pid] = append(byPid[pid], m)
	}
	for _, pid := range order {
		batch := byPid[pid]
		var reply common.MutateReply
		err := ck.route(ctx, batch[0].Key, func(version int64) (string, interface{}, interface{}) {
			reply = common.MutateReply{}
			args := &common.MutateArgs{
				BaseArgs:     common.BaseArgs{Version: version},
				Mutations:    batch,
				SkipExisting: skipExisting,
			}
			return netw.ApiMutate, args, &reply
		}, func() common.Err { return reply.Err })
		if err != nil {
			return err
		}
	}
	return nil
}

// Show asks one node for the state of its partitions, all of them if pids is empty.
func (ck *KvClerk) Show(ctx context.Context, nodeId int, pids ...int) (common.ShowReply, error) {
	ck.mu.RLock()
	addr, ok := ck.topo.Nodes[nodeId]
	ck.mu.RUnlock()
	if !ok {
		return common.ShowReply{}, errors.Errorf("node %d is not in topology", nodeId)
	}
	args := common.ShowArgs{Partitions: pids}
	reply := common.ShowReply{}
	ctx, cancel := context.WithTimeout(ctx, ck.requestTimeout)
	defer cancel()
	if err := ck.end(nodeId, addr).Call(ctx, netw.ApiShow, &args, &reply); err != nil {
		return reply, err
	}
	return reply, reply.Err.ToError()
}

func (ck *KvClerk) Leave(ctx context.Context, nodeId int) error {
	return ck.coord.Leave(ctx, nodeId)
}

func (ck *KvClerk) Close() {
	ck.coord.Close()
	ck.mu.Lock()
	defer ck.mu.Unlock()
	for _, end := range ck.ends {
		end.Close()
	}
	ck.ends = make(map[int]netw.Client)
}

// route sends a request to the primary of key's partition, refreshing the
// topology whenever the primary refuses it.
func (ck *KvClerk) route(ctx context.Context, key string, build func(version int64) (string, interface{}, interface{}),
	errOf func() common.Err) error {

	for {
		ck.mu.RLock()
		topo := ck.topo
		ck.mu.RUnlock()

		var err error
		if topo.NumPartitions() == 0 {
			err = errors.Wrap(common.ErrStaleTopology, "no topology yet")
		} else {
			primary := topo.Primary(common.KeyToPartition(key, topo.NumPartitions()))
			addr, ok := topo.Nodes[primary]
			if !ok {
				err = errors.Wrapf(common.ErrNotOwner, "no primary for key %q", key)
			} else {
				method, args, reply := build(topo.Version)
				cctx, cancel := context.WithTimeout(ctx, ck.requestTimeout)
				err = ck.end(primary, addr).Call(cctx, method, args, reply)
				cancel()
				if err != nil {
					err = errors.Wrapf(common.ErrRemoteFailed, "%s to node %d: %v", method, primary, err)
				} else {
					err = errOf().ToError()
				}
			}
		}
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		ck.log.Debugf("KvClerk: key %q: %v, retry", key, err)

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "key %q: %v", key, err)
		case <-time.After(ck.tsr.Jitter(ck.retryInterval)):
		}
		if _, err := ck.Refresh(ctx); err != nil {
			ck.log.Debugf("KvClerk: refresh topology failed: %v", err)
		}
	}
}

func retryable(err error) bool {
	for _, target := range []error{common.ErrNotOwner, common.ErrPartitionBusy, common.ErrStaleTopology,
		common.ErrFutureTopology, common.ErrRemoteFailed, common.ErrPartitionLost, common.ErrClosed} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (ck *KvClerk) end(nodeId int, addr string) netw.Client {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	end, ok := ck.ends[nodeId]
	if !ok {
		end = ck.network.MakeClient(netw.ServiceNode, addr)
		ck.ends[nodeId] = end
	}
	return end
}
