package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/allen1211/pkv/pkg/common"
)

var ErrStreamerClosed = errors.New("streamer closed")

const DefaultBufferSize = 512

// Submitter routes counter-less mutations to the primaries. Both *node.Node and
// *KvClerk implement it.
type Submitter interface {
	Submit(ctx context.Context, ms []common.Mutation, skipExisting bool) error
	Partitions() int
}

// Streamer loads data in bulk. Entries are buffered per partition and sent as
// ordinary puts once a buffer is full, on Flush and on Close. Unless
// AllowOverwrite is set, keys that already hold a value are left untouched.
type Streamer struct {
	ctx        context.Context
	sub        Submitter
	bufferSize int

	mu        sync.Mutex
	overwrite bool
	buffers   map[int][]common.Mutation
	closed    bool
}

func NewStreamer(ctx context.Context, sub Submitter, bufferSize int) *Streamer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Streamer{
		ctx:        ctx,
		sub:        sub,
		bufferSize: bufferSize,
		buffers:    make(map[int][]common.Mutation),
	}
}

// AllowOverwrite applies to entries flushed from now on.
func (s *Streamer) AllowOverwrite(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overwrite = allow
}

// AddData buffers key. A nil value removes the key.
func (s *Streamer) AddData(key string, value []byte) error {
	m := common.Mutation{Op: common.OpPut, Key: key, Value: value}
	if value == nil {
		m.Op = common.OpRemove
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamerClosed
	}
	pid := common.KeyToPartition(key, s.sub.Partitions())
	s.buffers[pid] = append(s.buffers[pid], m)
	if len(s.buffers[pid]) < s.bufferSize {
		s.mu.Unlock()
		return nil
	}
	batch, skip := s.buffers[pid], !s.overwrite
	delete(s.buffers, pid)
	s.mu.Unlock()

	return s.sub.Submit(s.ctx, batch, skip)
}

// Flush sends every buffered entry and waits for the primaries to apply them.
func (s *Streamer) Flush() error {
	s.mu.Lock()
	var batch []common.Mutation
	for _, ms := range s.buffers {
		batch = append(batch, ms...)
	}
	s.buffers = make(map[int][]common.Mutation)
	skip := !s.overwrite
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return s.sub.Submit(s.ctx, batch, skip)
}

// Close flushes the remaining entries. Later AddData calls fail.
func (s *Streamer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Flush()
}
