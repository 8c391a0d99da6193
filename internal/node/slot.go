package node

import (
	"sync"

	"github.com/allen1211/pkv/internal/partition"
	"github.com/allen1211/pkv/pkg/common"
)

// slot is the node's handle on one partition.
type slot struct {
	p *partition.Partition

	// held by the primary from counter assignment until every backup has the
	// mutation, so backups receive a partition's mutations in counter order
	wmu sync.Mutex

	// guarded by the partition lock
	primary bool
}

func makeSlot(pid int, state common.PartitionState) *slot {
	return &slot{p: partition.New(pid, state)}
}

func (s *slot) info() common.PartitionInfo {
	s.p.Lock()
	defer s.p.Unlock()
	return s.p.Info(s.primary)
}
