package node

import (
	"github.com/pkg/errors"

	"github.com/allen1211/pkv/internal/rebalance"
	"github.com/allen1211/pkv/pkg/common"
)

// applyTopology moves every local partition towards what next assigns to the node.
// Demanders of the previous version are restarted against next.
func (n *Node) applyTopology(next, prev common.Topology) {
	n.mu.Lock()
	if next.Version <= n.topo.Version {
		n.mu.Unlock()
		return
	}
	n.log.Infof("Node %d: topology version %d -> %d", n.Id, n.topo.Version, next.Version)
	n.topo = next
	for pid := 0; pid < next.NumPartitions(); pid++ {
		n.reconcile(pid, &next, &prev)
	}
	n.mu.Unlock()

	if c := n.supplier.CancelBefore(next.Version); c > 0 {
		n.log.Infof("Node %d released %d supply sessions older than version %d", n.Id, c, next.Version)
	}
}

// reconcile needs n.mu held exclusively.
func (n *Node) reconcile(pid int, next, prev *common.Topology) {
	owners := next.OwnersOf(pid)
	mine := contains(owners, n.Id)
	primary := mine && owners[0] == n.Id

	s := n.slots[pid]
	if s != nil {
		s.p.Lock()
		evicted := s.p.State() == common.EVICTED
		s.p.Unlock()
		if evicted {
			delete(n.slots, pid)
			s = nil
		}
	}
	if !mine {
		if s != nil {
			n.release(s)
		}
		return
	}

	suppliers := n.suppliersFor(pid, next, prev, primary)
	if s == nil {
		state := common.MOVING_TO
		if len(suppliers) == 0 {
			state = common.OWNING
		}
		s = makeSlot(pid, state)
		n.slots[pid] = s
	}

	p := s.p
	p.Lock()
	defer p.Unlock()
	s.primary = primary

	switch state := p.State(); state {
	case common.OWNING, common.MOVING_FROM:
		from := prev.Primary(pid)
		if !primary || from < 0 || from == n.Id {
			return
		}
		if _, ok := next.Nodes[from]; !ok {
			n.log.Infof("Node %d: partition %d promoted, previous primary %d is gone", n.Id, pid, from)
			return
		}
		// catch up with the previous primary before taking writes
		if err := p.Transition(common.MOVING_TO); err != nil {
			n.log.Errorf("Node %d: partition %d: %v", n.Id, pid, err)
			return
		}
		n.log.Infof("Node %d: partition %d takes over from primary %d", n.Id, pid, from)
		n.startDemand(s, next.Version, suppliers, primary)

	case common.MOVING_TO:
		n.startDemand(s, next.Version, suppliers, primary)

	case common.RENTING, common.LOST:
		if len(suppliers) == 0 {
			if err := p.Transition(common.OWNING); err != nil {
				n.log.Errorf("Node %d: partition %d: %v", n.Id, pid, err)
				return
			}
			if state == common.LOST {
				n.log.Warnf("Node %d: partition %d was lost and has no other copy, starts empty", n.Id, pid)
			} else {
				n.log.Infof("Node %d: partition %d owned from local data at counter %d", n.Id, pid, p.Counter())
			}
			return
		}
		if err := p.Transition(common.MOVING_TO); err != nil {
			n.log.Errorf("Node %d: partition %d: %v", n.Id, pid, err)
			return
		}
		n.startDemand(s, next.Version, suppliers, primary)
	}
}

// release stops owning a partition. The data stays until the evictor drops it.
func (n *Node) release(s *slot) {
	s.p.Lock()
	defer s.p.Unlock()
	if sess := s.p.Session(); sess != nil {
		sess.Cancel()
		s.p.ClearSession(sess)
	}
	s.primary = false
	if state := s.p.State(); state != common.RENTING && state != common.EVICTED {
		if err := s.p.Transition(common.RENTING); err != nil {
			n.log.Errorf("Node %d: partition %d: %v", n.Id, s.p.Id, err)
			return
		}
		n.log.Infof("Node %d: partition %d %s -> %s", n.Id, s.p.Id, state, common.RENTING)
	}
}

// suppliersFor orders the nodes a demander asks. A backup only takes data from
// current owners, since only they keep receiving the primary's writes. A primary
// may also take over from owners of the previous version.
func (n *Node) suppliersFor(pid int, next, prev *common.Topology, primary bool) []int {
	var res []int
	add := func(id int) {
		if id < 0 || id == n.Id || contains(res, id) {
			return
		}
		if _, ok := next.Nodes[id]; ok {
			res = append(res, id)
		}
	}
	if primary {
		add(prev.Primary(pid))
	}
	for _, id := range next.OwnersOf(pid) {
		add(id)
	}
	if primary {
		for _, id := range prev.OwnersOf(pid) {
			add(id)
		}
	}
	return res
}

// startDemand needs n.mu and the partition lock held. The new demander waits
// for the one it replaces to exit.
func (n *Node) startDemand(s *slot, version int64, suppliers []int, primary bool) {
	pid := s.p.Id
	if sess := s.p.Session(); sess != nil {
		sess.Cancel()
		s.p.ClearSession(sess)
	}
	conf := rebalance.DemanderConfig{
		Self:           n.Id,
		RetryInterval:  n.conf.Rebalance.RetryInterval.Duration,
		RequestTimeout: n.conf.Rebalance.RequestTimeout.Duration,
	}
	d := rebalance.StartDemander(pid, version, suppliers, primary, n.demanders[pid], conf, n, n, n.log)
	s.p.SetSession(d)
	n.demanders[pid] = d
	n.log.Debugf("Node %d: partition %d demands at version %d from %v", n.Id, pid, version, suppliers)
}

// The methods below implement rebalance.Sink.

func (n *Node) sessionSlot(d *rebalance.Demander) (*slot, error) {
	s := n.slot(d.Pid)
	if s == nil {
		return nil, errors.Wrapf(common.ErrSessionUnknown, "partition %d is gone", d.Pid)
	}
	return s, nil
}

func owns(s *slot, d *rebalance.Demander) error {
	if s.p.Session() != d {
		return errors.Wrapf(common.ErrSessionUnknown, "partition %d: demander of version %d replaced", d.Pid, d.Version)
	}
	return nil
}

func (n *Node) LastCounter(d *rebalance.Demander) (uint64, error) {
	s, err := n.sessionSlot(d)
	if err != nil {
		return 0, err
	}
	s.p.Lock()
	defer s.p.Unlock()
	if err := owns(s, d); err != nil {
		return 0, err
	}
	if !s.p.Synced() {
		return 0, nil
	}
	return s.p.Counter(), nil
}

func (n *Node) Begin(d *rebalance.Demander) error {
	s, err := n.sessionSlot(d)
	if err != nil {
		return err
	}
	return n.withLog(s.p, func(appendLog appendFunc) error {
		if err := owns(s, d); err != nil {
			return err
		}
		if err := appendLog(&common.Mutation{Partition: s.p.Id, Op: common.OpClear}); err != nil {
			return err
		}
		s.p.Reset()
		s.p.SetReplicaReady(true)
		return nil
	})
}

func (n *Node) Apply(d *rebalance.Demander, ms []common.Mutation) error {
	s, err := n.sessionSlot(d)
	if err != nil {
		return err
	}
	i := 0
	return n.withLog(s.p, func(appendLog appendFunc) error {
		if err := owns(s, d); err != nil {
			return err
		}
		for ; i < len(ms); i++ {
			m := &ms[i]
			m.Partition = s.p.Id
			if !s.p.Admits(m) {
				continue
			}
			if err := appendLog(m); err != nil {
				return err
			}
			s.p.Apply(m)
		}
		return nil
	})
}

func (n *Node) Complete(d *rebalance.Demander, final uint64) error {
	s, err := n.sessionSlot(d)
	if err != nil {
		return err
	}
	s.p.Lock()
	if err := owns(s, d); err != nil {
		s.p.Unlock()
		return err
	}
	s.p.Observe(final)
	err = s.p.Transition(common.OWNING)
	s.p.ClearSession(d)
	counter, size := s.p.Counter(), s.p.Size()
	s.p.Unlock()
	if err != nil {
		return err
	}

	n.log.Infof("Node %d: partition %d is OWNING at counter %d with %d entries", n.Id, d.Pid, counter, size)
	n.checkJoined()
	return nil
}

func (n *Node) Discard(d *rebalance.Demander) {
	s, err := n.sessionSlot(d)
	if err != nil {
		return
	}
	err = n.withLog(s.p, func(appendLog appendFunc) error {
		if s.p.Session() != d || s.p.State() != common.MOVING_TO {
			return nil
		}
		m := common.Mutation{Partition: s.p.Id, Op: common.OpClear, Counter: s.p.Counter()}
		if err := appendLog(&m); err != nil {
			return err
		}
		s.p.Clear(m.Counter)
		return nil
	})
	if err != nil {
		n.log.Warnf("Node %d: partition %d: discard failed: %v", n.Id, d.Pid, err)
	}
}
