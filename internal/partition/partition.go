package partition

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/allen1211/pkv/pkg/common"
)

var ErrIllegalTransition = errors.New("illegal partition state transition")

var transitions = map[common.PartitionState][]common.PartitionState{
	common.OWNING:      {common.MOVING_FROM, common.MOVING_TO, common.RENTING, common.LOST},
	common.MOVING_TO:   {common.OWNING, common.RENTING, common.LOST},
	common.MOVING_FROM: {common.OWNING, common.MOVING_TO, common.RENTING, common.LOST},
	common.RENTING:     {common.MOVING_TO, common.OWNING, common.EVICTED, common.LOST},
	common.LOST:        {common.MOVING_TO, common.OWNING, common.RENTING, common.EVICTED},
	common.EVICTED:     {},
}

// Listener receives every mutation applied to a partition while registered.
// Enqueue is called with the partition lock held and must not block.
type Listener interface {
	Enqueue(m common.Mutation)
}

// Session is the handle of the rebalance that is filling a MOVING_TO partition.
type Session interface {
	Cancel()
}

type Partition struct {
	mu sync.Mutex

	Id int

	state      common.PartitionState
	counter    uint64
	horizon    uint64
	entries    map[string]*Entry
	tombstones int
	bytes      int64

	listeners map[string]Listener
	session   Session
	// set once a demander has begun a full transfer
	replicaReady bool
	reservations int
	// false while the contents may be a partial transfer
	synced bool
}

func New(id int, state common.PartitionState) *Partition {
	return &Partition{
		Id:        id,
		state:     state,
		entries:   make(map[string]*Entry),
		listeners: make(map[string]Listener),
		synced:    state == common.OWNING,
	}
}

func (p *Partition) Lock() {
	p.mu.Lock()
}

func (p *Partition) Unlock() {
	p.mu.Unlock()
}

// The accessors below expect the partition lock to be held.

func (p *Partition) State() common.PartitionState {
	return p.state
}

func (p *Partition) Transition(to common.PartitionState) error {
	if p.state == to {
		return nil
	}
	for _, s := range transitions[p.state] {
		if s == to {
			p.state = to
			if to != common.MOVING_TO {
				p.replicaReady = false
			}
			if to == common.OWNING {
				p.synced = true
			}
			return nil
		}
	}
	return errors.Wrapf(ErrIllegalTransition, "partition %d: %s -> %s", p.Id, p.state, to)
}

func (p *Partition) Counter() uint64 {
	return p.counter
}

func (p *Partition) Horizon() uint64 {
	return p.horizon
}

// NextCounter assigns the counter of a new local mutation.
func (p *Partition) NextCounter() uint64 {
	p.counter++
	return p.counter
}

// Observe raises the high-water mark to a counter assigned elsewhere.
func (p *Partition) Observe(counter uint64) {
	p.observe(counter)
}

func (p *Partition) observe(counter uint64) {
	if counter > p.counter {
		p.counter = counter
	}
}

// Size is the number of live entries.
func (p *Partition) Size() int {
	return len(p.entries) - p.tombstones
}

func (p *Partition) Tombstones() int {
	return p.tombstones
}

func (p *Partition) Bytes() int64 {
	return p.bytes
}

// Reset drops every entry and counter. Only a transfer that restates the
// partition from a supplier may start from zero.
func (p *Partition) Reset() {
	p.Clear(0)
}

// Clear drops every entry and sets both the high-water mark and the horizon to
// hwm, so counters at or below hwm are neither handed out again nor admitted.
func (p *Partition) Clear(hwm uint64) {
	p.entries = make(map[string]*Entry)
	p.tombstones = 0
	p.bytes = 0
	p.counter = hwm
	p.horizon = hwm
	p.replicaReady = false
	p.synced = false
}

// Synced reports whether the contents are a complete copy as of the last time
// the partition was OWNING.
func (p *Partition) Synced() bool {
	return p.synced
}

func (p *Partition) AddListener(id string, l Listener) {
	p.listeners[id] = l
	if p.state == common.OWNING {
		p.state = common.MOVING_FROM
	}
}

func (p *Partition) RemoveListener(id string) {
	delete(p.listeners, id)
	if len(p.listeners) == 0 && p.state == common.MOVING_FROM {
		p.state = common.OWNING
	}
}

func (p *Partition) Listeners() int {
	return len(p.listeners)
}

// Forward hands m to every registered listener.
func (p *Partition) Forward(m common.Mutation) {
	for _, l := range p.listeners {
		l.Enqueue(m)
	}
}

func (p *Partition) SetSession(s Session) {
	p.session = s
}

func (p *Partition) Session() Session {
	return p.session
}

// ClearSession drops s if it is still the current session.
func (p *Partition) ClearSession(s Session) {
	if p.session == s {
		p.session = nil
	}
}

func (p *Partition) SetReplicaReady(ready bool) {
	p.replicaReady = ready
}

// AcceptsReplicates reports whether mutations replicated by the primary may be applied.
func (p *Partition) AcceptsReplicates() bool {
	return p.state.Writable() || (p.state == common.MOVING_TO && p.replicaReady)
}

// Reserve pins the partition for an in-flight operation.
func (p *Partition) Reserve() bool {
	if p.state == common.EVICTED || p.state == common.LOST {
		return false
	}
	p.reservations++
	return true
}

// Release unpins the partition and returns the remaining reservations.
func (p *Partition) Release() int {
	if p.reservations > 0 {
		p.reservations--
	}
	return p.reservations
}

func (p *Partition) Reservations() int {
	return p.reservations
}

func (p *Partition) Info(primary bool) common.PartitionInfo {
	return common.PartitionInfo{
		Id:      p.Id,
		State:   p.state,
		Counter: p.counter,
		Size:    p.Size(),
		Primary: primary,
	}
}
