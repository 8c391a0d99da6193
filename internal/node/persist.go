package node

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/internal/partition"
	"github.com/allen1211/pkv/internal/wal"
	"github.com/allen1211/pkv/pkg/common"
)

type appendFunc func(m *common.Mutation) error

// withLog runs fn holding the checkpoint lock shared and the partition lock.
// When the WAL is full fn is abandoned, a checkpoint frees the log and fn runs
// again, so fn must resume where it stopped.
func (n *Node) withLog(p *partition.Partition, fn func(appendLog appendFunc) error) error {
	for {
		n.cpMu.RLock()
		p.Lock()
		err := fn(n.appendLog)
		p.Unlock()
		n.cpMu.RUnlock()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, wal.ErrLogFileFull):
			if err := n.checkpoint(); err != nil {
				return err
			}
		case errors.Is(err, common.ErrIOFailure):
			n.markLost(p.Id, err)
			return errors.Wrapf(common.ErrPartitionLost, "partition %d: %v", p.Id, err)
		default:
			return err
		}
	}
}

func (n *Node) appendLog(m *common.Mutation) error {
	_, err := n.wal.Append(m)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wal.ErrClosed):
		return errors.Wrap(common.ErrClosed, "wal")
	}
	return err
}

// checkpoint writes the image of every partition and moves the WAL watermark
// to the LSN the images reflect.
func (n *Node) checkpoint() error {
	start := time.Now()
	n.cpMu.Lock()
	if n.Killed() {
		n.cpMu.Unlock()
		return common.ErrClosed
	}
	lsn := n.wal.WriteLSN()

	n.mu.RLock()
	slots := make([]*slot, 0, len(n.slots))
	for _, s := range n.slots {
		slots = append(slots, s)
	}
	n.mu.RUnlock()

	var lost []int
	written := 0
	for _, s := range slots {
		s.p.Lock()
		if state := s.p.State(); state == common.EVICTED || state == common.LOST {
			s.p.Unlock()
			continue
		}
		data, counter := s.p.MarshalImage(), s.p.Counter()
		s.p.Unlock()

		if err := n.store.WriteImage(s.p.Id, data, counter); err != nil {
			n.log.Errorf("Node %d: partition %d image write failed: %v", n.Id, s.p.Id, err)
			// the old image must not outlive the log records this checkpoint drops
			n.store.DropPartition(s.p.Id)
			lost = append(lost, s.p.Id)
			continue
		}
		written++
	}
	failed, err := n.store.Checkpoint(lsn)
	if err == nil {
		err = n.wal.Checkpoint(lsn)
	}
	n.cpMu.Unlock()
	lost = append(lost, failed...)

	for _, pid := range lost {
		n.markLost(pid, common.ErrIOFailure)
	}
	checkpointSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	node := strconv.Itoa(n.Id)
	diskBytes.WithLabelValues(node).Set(float64(n.store.FileSize()))
	walFreeBytes.WithLabelValues(node).Set(float64(n.wal.Remain()))
	n.log.Debugf("Node %d checkpoint at lsn %d, %d images in %v", n.Id, lsn, written, time.Since(start))
	return nil
}

// markLost drops the local copy of pid after an I/O failure and fetches it
// again through a fresh rebalance.
func (n *Node) markLost(pid int, cause error) {
	s := n.slot(pid)
	if s == nil {
		n.cpMu.RLock()
		n.store.DropPartition(pid)
		n.cpMu.RUnlock()
		return
	}
	n.log.Errorf("Node %d: partition %d is lost: %v", n.Id, pid, cause)

	s.p.Lock()
	if sess := s.p.Session(); sess != nil {
		sess.Cancel()
		s.p.ClearSession(sess)
	}
	if err := s.p.Transition(common.LOST); err != nil {
		s.p.Unlock()
		n.log.Warnf("Node %d: partition %d: %v", n.Id, pid, err)
		return
	}
	hwm := s.p.Counter()
	s.p.Clear(hwm)
	s.p.Unlock()

	n.supplier.CancelPartition(pid)
	n.cpMu.RLock()
	n.store.DropPartition(pid)
	if _, err := n.wal.Append(&common.Mutation{Partition: pid, Op: common.OpClear, Counter: hwm}); err != nil {
		n.log.Warnf("Node %d: partition %d: cannot log clear: %v", n.Id, pid, err)
	}
	n.cpMu.RUnlock()

	go n.relocate(pid)
}

// relocate rebalances a LOST partition against the current topology.
func (n *Node) relocate(pid int) {
	if n.Killed() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if s := n.slots[pid]; s == nil {
		return
	}
	n.reconcile(pid, &n.topo, &n.topo)
}

// evict drops RENTING partitions once every current owner holds them.
func (n *Node) evict() {
	n.mu.RLock()
	topo := n.topo
	var candidates []*slot
	for _, s := range n.slots {
		s.p.Lock()
		if s.p.State() == common.RENTING && s.p.Listeners() == 0 && s.p.Reservations() == 0 {
			candidates = append(candidates, s)
		}
		s.p.Unlock()
	}
	n.mu.RUnlock()

	for _, s := range candidates {
		owners := topo.OwnersOf(s.p.Id)
		if len(owners) == 0 || contains(owners, n.Id) {
			continue
		}
		if !n.ownersHold(s.p.Id, owners, topo.Version) {
			continue
		}
		n.dropSlot(s)
	}
}

func (n *Node) ownersHold(pid int, owners []int, version int64) bool {
	for _, id := range owners {
		args := common.ShowArgs{Partitions: []int{pid}}
		reply := common.ShowReply{}
		ctx, cancel := context.WithTimeout(n.ctx, n.conf.Rebalance.RequestTimeout.Duration)
		err := n.CallNode(ctx, id, netw.ApiShow, &args, &reply)
		cancel()
		if err != nil || reply.Err != common.OK || reply.Version < version || len(reply.Partitions) != 1 {
			return false
		}
		if state := reply.Partitions[0].State; state != common.OWNING && state != common.MOVING_FROM {
			return false
		}
	}
	return true
}

func (n *Node) dropSlot(s *slot) {
	pid := s.p.Id
	n.cpMu.RLock()
	s.p.Lock()
	if s.p.State() != common.RENTING || s.p.Listeners() > 0 || s.p.Reservations() > 0 {
		s.p.Unlock()
		n.cpMu.RUnlock()
		return
	}
	_ = s.p.Transition(common.EVICTED)
	hwm := s.p.Counter()
	s.p.Clear(hwm)
	s.p.Unlock()
	if _, err := n.wal.Append(&common.Mutation{Partition: pid, Op: common.OpClear, Counter: hwm}); err != nil {
		n.log.Debugf("Node %d: partition %d: cannot log clear: %v", n.Id, pid, err)
	}
	n.store.DropPartition(pid)
	n.cpMu.RUnlock()

	n.mu.Lock()
	if n.slots[pid] == s {
		delete(n.slots, pid)
	}
	n.mu.Unlock()
	n.log.Infof("Node %d: partition %d evicted", n.Id, pid)
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
