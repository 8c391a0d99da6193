package rebalance

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/pkv/internal/partition"
	"github.com/allen1211/pkv/pkg/common"
)

// SupplySession streams one partition to one demander: a snapshot captured at
// Counter followed by every mutation applied after the capture.
type SupplySession struct {
	Id       string
	Pid      int
	Demander int
	Version  int64
	Counter  uint64

	snapshot  []*partition.Entry
	batchSize int

	mu         sync.Mutex
	sent       int
	queue      []common.Mutation
	base       uint64
	done       bool
	final      uint64
	lastActive time.Time
}

// Enqueue implements partition.Listener.
func (s *SupplySession) Enqueue(m common.Mutation) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
}

// Supplier keeps the supply sessions of a node.
type Supplier struct {
	mu       sync.Mutex
	log      *logrus.Logger
	sessions map[string]*SupplySession

	lookup    func(pid int) *partition.Partition
	batchSize int
	timeout   time.Duration
}

func MakeSupplier(lookup func(pid int) *partition.Partition, batchSize int, timeout time.Duration, logger *logrus.Logger) *Supplier {
	if batchSize <= 0 {
		batchSize = 512
	}
	return &Supplier{
		log:       logger,
		sessions:  make(map[string]*SupplySession),
		lookup:    lookup,
		batchSize: batchSize,
		timeout:   timeout,
	}
}

// Open captures the partition snapshot and registers the forward queue in one
// critical section, so no mutation falls between the two.
func (sp *Supplier) Open(pid, demander int, version int64, lastCounter uint64) (common.DemandReply, error) {
	p := sp.lookup(pid)
	if p == nil {
		return common.DemandReply{}, errors.Wrapf(common.ErrNotOwner, "partition %d", pid)
	}

	p.Lock()
	// a renting copy still supplies until the new owners have it
	if state := p.State(); !(state.Writable() || state == common.RENTING) || !p.Synced() {
		p.Unlock()
		return common.DemandReply{}, errors.Wrapf(common.ErrPartitionBusy, "partition %d is %s", pid, state)
	}
	entries, counter := p.Snapshot()
	// zero means the demander holds nothing it can vouch for
	if lastCounter != 0 && lastCounter == counter {
		p.Unlock()
		sp.log.Infof("Supplier: partition %d demander %d is up to date at counter %d", pid, demander, counter)
		return common.DemandReply{Err: common.OK, SnapshotCounter: counter, UpToDate: true}, nil
	}
	sess := &SupplySession{
		Id:         uuid.NewString(),
		Pid:        pid,
		Demander:   demander,
		Version:    version,
		Counter:    counter,
		snapshot:   entries,
		batchSize:  sp.batchSize,
		lastActive: time.Now(),
	}
	p.AddListener(sess.Id, sess)
	p.Unlock()

	sp.mu.Lock()
	sp.sessions[sess.Id] = sess
	sp.mu.Unlock()
	supplySessions.Inc()

	sp.log.Infof("Supplier: open session %s partition %d for demander %d version %d, %d entries at counter %d",
		sess.Id, pid, demander, version, len(entries), counter)
	return common.DemandReply{Err: common.OK, Session: sess.Id, SnapshotCounter: counter}, nil
}

func (sp *Supplier) session(id string) (*SupplySession, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sess, ok := sp.sessions[id]
	if !ok {
		return nil, errors.Wrapf(common.ErrSessionUnknown, "session %s", id)
	}
	return sess, nil
}

// Supply returns snapshot batch number batch.
func (sp *Supplier) Supply(id string, batch int) ([]common.Mutation, bool, error) {
	sess, err := sp.session(id)
	if err != nil {
		return nil, false, err
	}
	lo := batch * sess.batchSize
	hi := lo + sess.batchSize
	if lo > len(sess.snapshot) || batch < 0 {
		return nil, false, errors.Errorf("session %s: batch %d out of range", id, batch)
	}
	if hi > len(sess.snapshot) {
		hi = len(sess.snapshot)
	}
	res := make([]common.Mutation, 0, hi-lo)
	for _, e := range sess.snapshot[lo:hi] {
		res = append(res, e.ToMutation(sess.Pid))
	}

	sess.mu.Lock()
	if hi > sess.sent {
		sess.sent = hi
	}
	sess.lastActive = time.Now()
	sess.mu.Unlock()

	suppliedEntries.Add(float64(len(res)))
	return res, hi == len(sess.snapshot), nil
}

// Forward acknowledges everything below seq and returns the queued mutations from
// seq on. Once the snapshot is sent and the queue is drained the session is done.
func (sp *Supplier) Forward(id string, seq uint64) (common.ForwardReply, error) {
	sess, err := sp.session(id)
	if err != nil {
		return common.ForwardReply{}, err
	}

	if reply, ok := sess.pending(seq); ok {
		forwardedMutations.Add(float64(len(reply.Mutations)))
		return reply, nil
	}

	p := sp.lookup(sess.Pid)
	if p == nil {
		sp.Cancel(id)
		return common.ForwardReply{}, errors.Wrapf(common.ErrSessionUnknown, "session %s: partition %d gone", id, sess.Pid)
	}

	p.Lock()
	sess.mu.Lock()
	acked := seq
	if acked < sess.base {
		acked = sess.base
	}
	if !sess.done && sess.sent == len(sess.snapshot) && acked-sess.base >= uint64(len(sess.queue)) {
		sess.done = true
		sess.final = p.Counter()
		p.RemoveListener(sess.Id)
		sp.log.Infof("Supplier: session %s partition %d done at counter %d", id, sess.Pid, sess.final)
	}
	sess.mu.Unlock()
	p.Unlock()

	if reply, ok := sess.pending(seq); ok {
		return reply, nil
	}
	return common.ForwardReply{Err: common.OK, Seq: seq}, nil
}

// pending returns queued mutations from seq, or the done marker; ok is false
// when the caller has to try to complete the session.
func (s *SupplySession) pending(seq uint64) (common.ForwardReply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()
	if seq > s.base {
		drop := seq - s.base
		if drop > uint64(len(s.queue)) {
			drop = uint64(len(s.queue))
		}
		s.queue = s.queue[drop:]
		s.base += drop
	}
	if seq < s.base {
		seq = s.base
	}
	if s.done {
		return common.ForwardReply{Err: common.OK, Seq: seq, Done: true, FinalCounter: s.final}, true
	}

	from := seq - s.base
	if from < uint64(len(s.queue)) {
		to := from + uint64(s.batchSize)
		if to > uint64(len(s.queue)) {
			to = uint64(len(s.queue))
		}
		ms := append([]common.Mutation(nil), s.queue[from:to]...)
		return common.ForwardReply{Err: common.OK, Seq: seq, Mutations: ms}, true
	}
	if s.sent < len(s.snapshot) {
		return common.ForwardReply{Err: common.OK, Seq: seq}, true
	}
	return common.ForwardReply{}, false
}

// Cancel releases a session and its forward queue.
func (sp *Supplier) Cancel(id string) {
	sp.mu.Lock()
	sess, ok := sp.sessions[id]
	delete(sp.sessions, id)
	sp.mu.Unlock()
	if !ok {
		return
	}
	supplySessions.Dec()

	if p := sp.lookup(sess.Pid); p != nil {
		p.Lock()
		p.RemoveListener(id)
		p.Unlock()
	}
	sp.log.Infof("Supplier: session %s partition %d released", id, sess.Pid)
}

// CancelBefore releases every session opened under a topology older than version.
func (sp *Supplier) CancelBefore(version int64) int {
	return sp.cancelIf(func(s *SupplySession) bool {
		return s.Version < version
	})
}

// CancelPartition releases every session of pid.
func (sp *Supplier) CancelPartition(pid int) int {
	return sp.cancelIf(func(s *SupplySession) bool {
		return s.Pid == pid
	})
}

// Reap releases sessions idle for longer than the session timeout.
func (sp *Supplier) Reap(now time.Time) int {
	return sp.cancelIf(func(s *SupplySession) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return now.Sub(s.lastActive) > sp.timeout
	})
}

func (sp *Supplier) cancelIf(pred func(s *SupplySession) bool) int {
	sp.mu.Lock()
	var ids []string
	for id, s := range sp.sessions {
		if pred(s) {
			ids = append(ids, id)
		}
	}
	sp.mu.Unlock()

	for _, id := range ids {
		sp.Cancel(id)
	}
	return len(ids)
}

// Sessions lists open session ids, sorted.
func (sp *Supplier) Sessions() []string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	res := make([]string, 0, len(sp.sessions))
	for id := range sp.sessions {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

func (sp *Supplier) Close() {
	sp.cancelIf(func(*SupplySession) bool { return true })
}
