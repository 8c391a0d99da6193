package partition

import (
	"github.com/allen1211/pkv/pkg/common"
)

// Entry is never modified once stored; updates replace the pointer.
type Entry struct {
	Key     string
	Value   []byte
	Counter uint64
	Removed bool
}

func (e *Entry) ToMutation(pid int) common.Mutation {
	m := common.Mutation{
		Partition: pid,
		Op:        common.OpPut,
		Key:       e.Key,
		Value:     e.Value,
		Counter:   e.Counter,
	}
	if e.Removed {
		m.Op = common.OpRemove
		m.Value = nil
	}
	return m
}

// Apply merges m into the partition if it is newer than what the partition
// already knows about m.Key. Callers hold the partition lock.
//
// An existing entry (live or tombstone) is replaced only by a higher counter.
// An absent key accepts m only above the tombstone horizon, since anything at or
// below it was applied and then purged.
func (p *Partition) Apply(m *common.Mutation) bool {
	if m.Op == common.OpClear {
		p.Clear(m.Counter)
		return true
	}
	if !p.Admits(m) {
		return false
	}
	if e, ok := p.entries[m.Key]; ok {
		if e.Removed {
			p.tombstones--
		} else {
			p.bytes -= int64(len(e.Key) + len(e.Value))
		}
	}

	e := &Entry{Key: m.Key, Counter: m.Counter}
	if m.IsRemove() {
		e.Removed = true
		p.tombstones++
	} else {
		e.Value = m.Value
		if e.Value == nil {
			e.Value = []byte{}
		}
		p.bytes += int64(len(e.Key) + len(e.Value))
	}
	p.entries[m.Key] = e
	p.observe(m.Counter)
	return true
}

// Admits reports whether Apply would change the partition.
func (p *Partition) Admits(m *common.Mutation) bool {
	if m.Op == common.OpClear {
		return true
	}
	if e, ok := p.entries[m.Key]; ok {
		return m.Counter > e.Counter
	}
	return m.Counter > p.horizon
}

// Get returns the live entry for key, nil if absent or removed.
func (p *Partition) Get(key string) *Entry {
	if e, ok := p.entries[key]; ok && !e.Removed {
		return e
	}
	return nil
}

// Snapshot captures the live entries and the counter they reflect.
// Entries are immutable so the slice may be read after the lock is released.
func (p *Partition) Snapshot() ([]*Entry, uint64) {
	res := make([]*Entry, 0, len(p.entries)-p.tombstones)
	for _, e := range p.entries {
		if !e.Removed {
			res = append(res, e)
		}
	}
	return res, p.counter
}

// SweepTombstones purges tombstones and raises the horizon to the counter
// high-water mark. Only an OWNING partition with no rebalance in flight is swept.
func (p *Partition) SweepTombstones() int {
	if p.state != common.OWNING || len(p.listeners) > 0 || p.tombstones == 0 {
		return 0
	}
	n := 0
	for key, e := range p.entries {
		if e.Removed {
			delete(p.entries, key)
			n++
		}
	}
	p.tombstones = 0
	p.horizon = p.counter
	return n
}
