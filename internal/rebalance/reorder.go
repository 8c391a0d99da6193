package rebalance

import (
	"github.com/allen1211/pkv/pkg/common"
)

// ReorderBuffer releases forwarded mutations strictly in sequence order.
// Retried or duplicated batches are absorbed; a gap holds back everything after it.
type ReorderBuffer struct {
	next    uint64
	pending map[uint64]common.Mutation
}

func NewReorderBuffer(start uint64) *ReorderBuffer {
	return &ReorderBuffer{
		next:    start,
		pending: make(map[uint64]common.Mutation),
	}
}

// Push stores the batch whose first mutation has sequence seq.
func (rb *ReorderBuffer) Push(seq uint64, ms []common.Mutation) int {
	n := 0
	for i := range ms {
		s := seq + uint64(i)
		if s < rb.next {
			continue
		}
		if _, ok := rb.pending[s]; ok {
			continue
		}
		rb.pending[s] = ms[i]
		n++
	}
	return n
}

// Pop returns the contiguous run starting at Next.
func (rb *ReorderBuffer) Pop() []common.Mutation {
	var res []common.Mutation
	for {
		m, ok := rb.pending[rb.next]
		if !ok {
			return res
		}
		delete(rb.pending, rb.next)
		res = append(res, m)
		rb.next++
	}
}

// Next is the first sequence not yet released, which is also the ack to send.
func (rb *ReorderBuffer) Next() uint64 {
	return rb.next
}

func (rb *ReorderBuffer) Pending() int {
	return len(rb.pending)
}
