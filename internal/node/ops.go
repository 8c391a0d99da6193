package node

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/pkg/common"
)

// Get returns the value of key as seen by its primary.
func (n *Node) Get(ctx context.Context, key string) ([]byte, bool, error) {
	pid := n.partitionOf(key)
	var value []byte
	var found bool
	err := n.retry(ctx, pid, func(primary int, version int64) error {
		if primary == n.Id {
			var err error
			value, found, err = n.read(pid, key)
			return err
		}
		args := common.GetArgs{BaseArgs: common.BaseArgs{Version: version, From: n.Id}, Key: key}
		reply := common.GetReply{}
		if err := n.callRemote(ctx, primary, netw.ApiGet, &args, &reply); err != nil {
			return err
		}
		if err := reply.Err.ToError(); err != nil {
			return err
		}
		value, found = reply.Value, reply.Found
		return nil
	})
	return value, found, err
}

func (n *Node) Put(ctx context.Context, key string, value []byte) error {
	return n.Submit(ctx, []common.Mutation{{Op: common.OpPut, Key: key, Value: value}}, false)
}

func (n *Node) Remove(ctx context.Context, key string) error {
	return n.Submit(ctx, []common.Mutation{{Op: common.OpRemove, Key: key}}, false)
}

func (n *Node) PutAll(ctx context.Context, kvs map[string][]byte) error {
	ms := make([]common.Mutation, 0, len(kvs))
	for k, v := range kvs {
		ms = append(ms, common.Mutation{Op: common.OpPut, Key: k, Value: v})
	}
	return n.Submit(ctx, ms, false)
}

// Submit routes every mutation to the primary of its partition. With
// skipExisting a put of a key that already has a live value is dropped.
// Partitions are submitted concurrently; the first error is returned.
func (n *Node) Submit(ctx context.Context, ms []common.Mutation, skipExisting bool) error {
	parts := n.Partitions()
	byPid := make(map[int][]common.Mutation)
	for _, m := range ms {
		pid := common.KeyToPartition(m.Key, parts)
		m.Partition = pid
		byPid[pid] = append(byPid[pid], m)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var first error
	for pid, batch := range byPid {
		wg.Add(1)
		go func(pid int, batch []common.Mutation) {
			defer wg.Done()
			if err := n.submit(ctx, pid, batch, skipExisting); err != nil {
				mu.Lock()
				if first == nil {
					first = err
				}
				mu.Unlock()
			}
		}(pid, batch)
	}
	wg.Wait()
	return first
}

func (n *Node) submit(ctx context.Context, pid int, ms []common.Mutation, skipExisting bool) error {
	return n.retry(ctx, pid, func(primary int, version int64) error {
		if primary == n.Id {
			_, err := n.mutate(pid, ms, skipExisting)
			return err
		}
		args := common.MutateArgs{
			BaseArgs:     common.BaseArgs{Version: version, From: n.Id},
			Mutations:    ms,
			SkipExisting: skipExisting,
		}
		reply := common.MutateReply{}
		if err := n.callRemote(ctx, primary, netw.ApiMutate, &args, &reply); err != nil {
			return err
		}
		return reply.Err.ToError()
	})
}

// LocalPeek reads key from the local copy only, whatever its state.
func (n *Node) LocalPeek(key string) []byte {
	s := n.slot(n.partitionOf(key))
	if s == nil {
		return nil
	}
	s.p.Lock()
	defer s.p.Unlock()
	e := s.p.Get(key)
	if e == nil {
		return nil
	}
	return append([]byte{}, e.Value...)
}

func (n *Node) partitionOf(key string) int {
	return common.KeyToPartition(key, n.Partitions())
}

// retry calls f with the current primary of pid until it succeeds, fails for
// good or ctx is done.
func (n *Node) retry(ctx context.Context, pid int, f func(primary int, version int64) error) error {
	for {
		n.mu.RLock()
		primary, version := n.topo.Primary(pid), n.topo.Version
		n.mu.RUnlock()

		var err error
		if primary < 0 {
			err = errors.Wrapf(common.ErrNotOwner, "partition %d has no owner at version %d", pid, version)
		} else {
			err = f(primary, version)
		}
		if err == nil || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "partition %d: %v", pid, err)
		case <-n.KilledC:
			return common.ErrClosed
		case <-time.After(n.tsr.Jitter(n.conf.Rebalance.RetryInterval.Duration)):
		}
	}
}

func retryable(err error) bool {
	for _, target := range []error{common.ErrNotOwner, common.ErrPartitionBusy, common.ErrStaleTopology,
		common.ErrFutureTopology, common.ErrRemoteFailed, common.ErrPartitionLost} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (n *Node) callRemote(ctx context.Context, to int, method string, args interface{}, reply interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, n.conf.Rebalance.RequestTimeout.Duration)
	defer cancel()
	if err := n.CallNode(ctx, to, method, args, reply); err != nil {
		return errors.Wrapf(common.ErrRemoteFailed, "%s to node %d: %v", method, to, err)
	}
	return nil
}

func (n *Node) read(pid int, key string) ([]byte, bool, error) {
	s := n.slot(pid)
	if s == nil {
		return nil, false, errors.Wrapf(common.ErrNotOwner, "partition %d", pid)
	}
	s.p.Lock()
	defer s.p.Unlock()
	if !s.primary {
		return nil, false, errors.Wrapf(common.ErrNotOwner, "partition %d: node %d is not primary", pid, n.Id)
	}
	switch state := s.p.State(); {
	case state == common.LOST:
		return nil, false, errors.Wrapf(common.ErrPartitionLost, "partition %d", pid)
	case !state.Readable():
		return nil, false, errors.Wrapf(common.ErrNotOwner, "partition %d is %s", pid, state)
	}
	e := s.p.Get(key)
	if e == nil {
		return nil, false, nil
	}
	return append([]byte{}, e.Value...), true, nil
}

// mutate assigns counters to ms as primary of pid, logs and applies them, then
// replicates what was applied to every other owner. It returns the counter
// given to each mutation, zero for skipped ones.
func (n *Node) mutate(pid int, ms []common.Mutation, skipExisting bool) ([]uint64, error) {
	s := n.slot(pid)
	if s == nil {
		return nil, errors.Wrapf(common.ErrNotOwner, "partition %d", pid)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	counters := make([]uint64, len(ms))
	applied := make([]common.Mutation, 0, len(ms))
	reserved := false
	i := 0
	err := n.withLog(s.p, func(appendLog appendFunc) error {
		if !s.primary {
			return errors.Wrapf(common.ErrNotOwner, "partition %d: node %d is not primary", pid, n.Id)
		}
		if state := s.p.State(); !state.Writable() {
			if state == common.LOST {
				return errors.Wrapf(common.ErrPartitionLost, "partition %d", pid)
			}
			return errors.Wrapf(common.ErrPartitionBusy, "partition %d is %s", pid, state)
		}
		if !reserved {
			if !s.p.Reserve() {
				return errors.Wrapf(common.ErrPartitionLost, "partition %d", pid)
			}
			reserved = true
		}
		for ; i < len(ms); i++ {
			m := ms[i]
			m.Partition = pid
			if skipExisting && m.Op == common.OpPut && s.p.Get(m.Key) != nil {
				continue
			}
			m.Counter = s.p.NextCounter()
			if err := appendLog(&m); err != nil {
				return err
			}
			s.p.Apply(&m)
			s.p.Forward(m)
			counters[i] = m.Counter
			applied = append(applied, m)
			mutations.WithLabelValues(m.Op.String()).Inc()
		}
		return nil
	})

	if len(applied) > 0 {
		n.replicate(pid, applied)
	}
	if reserved {
		s.p.Lock()
		s.p.Release()
		s.p.Unlock()
	}
	return counters, err
}

// replicate sends ms to the other owners of pid. The owners are read after the
// mutations were applied: an owner that completed its rebalance earlier than
// that is already in the topology, a later one got them forwarded.
func (n *Node) replicate(pid int, ms []common.Mutation) {
	n.mu.RLock()
	owners := n.topo.OwnersOf(pid)
	version := n.topo.Version
	n.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range owners {
		if id == n.Id {
			continue
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			n.replicateTo(id, pid, version, ms)
		}(id)
	}
	wg.Wait()
}

func (n *Node) replicateTo(to, pid int, version int64, ms []common.Mutation) {
	deadline := time.Now().Add(n.conf.Rebalance.RequestTimeout.Duration)
	args := common.ReplicateArgs{
		BaseArgs:  common.BaseArgs{Version: version, From: n.Id},
		Partition: pid,
		Mutations: ms,
	}
	for {
		reply := common.ReplicateReply{}
		ctx, cancel := context.WithDeadline(n.ctx, deadline)
		err := n.CallNode(ctx, to, netw.ApiReplicate, &args, &reply)
		cancel()
		if err == nil {
			switch reply.Err {
			case common.OK:
				replicated.WithLabelValues("ok").Inc()
				return
			case common.ErrNotReady, common.ErrWrongOwner, common.ErrLost:
				// the owner will get the mutations through its rebalance
				replicated.WithLabelValues("rejected").Inc()
				return
			}
			err = reply.Err.ToError()
		}
		if n.Killed() || time.Now().After(deadline) {
			replicated.WithLabelValues("failed").Inc()
			n.log.Errorf("Node %d: partition %d: replicate %d mutations to node %d failed: %v", n.Id, pid, len(ms), to, err)
			return
		}
		time.Sleep(n.tsr.Jitter(n.conf.Rebalance.RetryInterval.Duration))
	}
}

// applyReplicate applies mutations the primary already stamped.
func (n *Node) applyReplicate(pid int, ms []common.Mutation) error {
	s := n.slot(pid)
	if s == nil {
		return errors.Wrapf(common.ErrNotOwner, "partition %d", pid)
	}
	i := 0
	return n.withLog(s.p, func(appendLog appendFunc) error {
		if !s.p.AcceptsReplicates() {
			if s.p.State() == common.LOST {
				return errors.Wrapf(common.ErrPartitionLost, "partition %d", pid)
			}
			return errors.Wrapf(common.ErrPartitionBusy, "partition %d is %s", pid, s.p.State())
		}
		for ; i < len(ms); i++ {
			m := &ms[i]
			m.Partition = pid
			if !s.p.Admits(m) {
				continue
			}
			if err := appendLog(m); err != nil {
				return err
			}
			s.p.Apply(m)
			s.p.Forward(*m)
		}
		return nil
	})
}
