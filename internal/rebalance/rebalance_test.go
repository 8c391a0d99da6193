package rebalance

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/internal/partition"
	"github.com/allen1211/pkv/pkg/common"
)

var testLogger = common.MustInitLogger("off", "rebalance")

// loopback serves demander calls straight from a Supplier.
type loopback struct {
	sp      *Supplier
	version int64
	// called before every Supply, may block
	onSupply func(batch int)
}

func (l *loopback) CallNode(ctx context.Context, nodeId int, method string, args interface{}, reply interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch method {
	case netw.ApiDemand:
		a, r := args.(*common.DemandArgs), reply.(*common.DemandReply)
		if a.Version != l.version {
			r.Err = common.ErrStaleVersion
			return nil
		}
		res, err := l.sp.Open(a.Partition, a.From, a.Version, a.LastCounter)
		if err != nil {
			r.Err = common.ToErr(err)
			return nil
		}
		*r = res
	case netw.ApiSupply:
		a, r := args.(*common.SupplyArgs), reply.(*common.SupplyReply)
		if l.onSupply != nil {
			l.onSupply(a.Batch)
		}
		entries, last, err := l.sp.Supply(a.Session, a.Batch)
		r.Err = common.ToErr(err)
		if err == nil {
			r.Err = common.OK
		}
		r.Entries, r.Last = entries, last
	case netw.ApiForward:
		a, r := args.(*common.ForwardArgs), reply.(*common.ForwardReply)
		res, err := l.sp.Forward(a.Session, a.Seq)
		if err != nil {
			r.Err = common.ToErr(err)
			return nil
		}
		*r = res
	case netw.ApiCancel:
		l.sp.Cancel(args.(*common.CancelArgs).Session)
		reply.(*common.CancelReply).Err = common.OK
	}
	return nil
}

// memSink applies demander output to an in-memory partition.
type memSink struct {
	p         *partition.Partition
	discarded int
}

func (s *memSink) check(d *Demander) error {
	if s.p.Session() != d {
		return common.ErrSessionUnknown
	}
	return nil
}

func (s *memSink) LastCounter(d *Demander) (uint64, error) {
	s.p.Lock()
	defer s.p.Unlock()
	if err := s.check(d); err != nil {
		return 0, err
	}
	return s.p.Counter(), nil
}

func (s *memSink) Begin(d *Demander) error {
	s.p.Lock()
	defer s.p.Unlock()
	if err := s.check(d); err != nil {
		return err
	}
	s.p.Reset()
	s.p.SetReplicaReady(true)
	return nil
}

func (s *memSink) Apply(d *Demander, ms []common.Mutation) error {
	s.p.Lock()
	defer s.p.Unlock()
	if err := s.check(d); err != nil {
		return err
	}
	for i := range ms {
		s.p.Apply(&ms[i])
	}
	return nil
}

func (s *memSink) Complete(d *Demander, final uint64) error {
	s.p.Lock()
	defer s.p.Unlock()
	if err := s.check(d); err != nil {
		return err
	}
	s.p.Observe(final)
	s.p.ClearSession(d)
	return s.p.Transition(common.OWNING)
}

func (s *memSink) Discard(d *Demander) {
	s.p.Lock()
	defer s.p.Unlock()
	if s.p.State() == common.MOVING_TO {
		s.p.Reset()
		s.discarded++
	}
}

func localMutate(p *partition.Partition, m common.Mutation) {
	p.Lock()
	m.Counter = p.NextCounter()
	p.Apply(&m)
	p.Forward(m)
	p.Unlock()
}

func conf() DemanderConfig {
	return DemanderConfig{Self: 2, RetryInterval: 5 * time.Millisecond, RequestTimeout: time.Second}
}

func startDemand(t *testing.T, sink *memSink, caller Caller, version int64, prev *Demander) *Demander {
	t.Helper()
	sink.p.Lock()
	defer sink.p.Unlock()
	require.NoError(t, sink.p.Transition(common.MOVING_TO))
	d := StartDemander(0, version, []int{1}, false, prev, conf(), caller, sink, testLogger)
	sink.p.SetSession(d)
	return d
}

func waitDone(t *testing.T, d *Demander) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(20 * time.Second):
		t.Fatal("demander did not finish")
	}
}

func TestReorderBuffer(t *testing.T) {
	rb := NewReorderBuffer(0)
	ms := func(keys ...string) []common.Mutation {
		var res []common.Mutation
		for _, k := range keys {
			res = append(res, common.Mutation{Key: k})
		}
		return res
	}
	assert.Equal(t, 2, rb.Push(2, ms("c", "d")))
	assert.Empty(t, rb.Pop())
	assert.Equal(t, 2, rb.Push(0, ms("a", "b")))
	got := rb.Pop()
	require.Len(t, got, 4)
	for i, k := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, k, got[i].Key)
	}

	// a retried batch overlapping released mutations only adds the new tail
	assert.Equal(t, 1, rb.Push(3, ms("d", "e")))
	got = rb.Pop()
	require.Len(t, got, 1)
	assert.Equal(t, "e", got[0].Key)
	assert.Equal(t, uint64(5), rb.Next())
	assert.Equal(t, 0, rb.Pending())
}

func TestSupplier_Session(t *testing.T) {
	src := partition.New(0, common.OWNING)
	for i := 0; i < 10; i++ {
		localMutate(src, common.Mutation{Op: common.OpPut, Key: fmt.Sprintf("k%d", i), Value: []byte("v")})
	}
	sp := MakeSupplier(func(int) *partition.Partition { return src }, 4, time.Minute, testLogger)

	up, err := sp.Open(0, 2, 1, 10)
	require.NoError(t, err)
	assert.True(t, up.UpToDate)
	assert.Empty(t, sp.Sessions())

	reply, err := sp.Open(0, 2, 1, 0)
	require.NoError(t, err)
	assert.False(t, reply.UpToDate)
	assert.Equal(t, uint64(10), reply.SnapshotCounter)
	assert.Equal(t, common.MOVING_FROM, src.State())

	localMutate(src, common.Mutation{Op: common.OpRemove, Key: "k3"})

	// not done while the snapshot is unsent
	fr, err := sp.Forward(reply.Session, 0)
	require.NoError(t, err)
	require.Len(t, fr.Mutations, 1)
	assert.False(t, fr.Done)

	var got []common.Mutation
	for batch := 0; ; batch++ {
		entries, last, err := sp.Supply(reply.Session, batch)
		require.NoError(t, err)
		got = append(got, entries...)
		if last {
			break
		}
	}
	assert.Len(t, got, 10)

	// same batch twice returns the same entries
	again, _, err := sp.Supply(reply.Session, 0)
	require.NoError(t, err)
	assert.Equal(t, got[:4], again)

	// unacked mutation is returned again
	fr, err = sp.Forward(reply.Session, 0)
	require.NoError(t, err)
	require.Len(t, fr.Mutations, 1)
	assert.Equal(t, common.OpRemove, fr.Mutations[0].Op)

	fr, err = sp.Forward(reply.Session, 1)
	require.NoError(t, err)
	assert.True(t, fr.Done)
	assert.Equal(t, uint64(11), fr.FinalCounter)
	assert.Equal(t, common.OWNING, src.State())

	// done is sticky for retries
	fr, err = sp.Forward(reply.Session, 1)
	require.NoError(t, err)
	assert.True(t, fr.Done)

	sp.Cancel(reply.Session)
	_, err = sp.Forward(reply.Session, 1)
	assert.ErrorIs(t, err, common.ErrSessionUnknown)
}

func TestSupplier_CancelAndReap(t *testing.T) {
	src := partition.New(0, common.OWNING)
	localMutate(src, common.Mutation{Op: common.OpPut, Key: "a", Value: []byte("v")})
	sp := MakeSupplier(func(int) *partition.Partition { return src }, 4, 10*time.Millisecond, testLogger)

	r1, err := sp.Open(0, 2, 1, 0)
	require.NoError(t, err)
	r2, err := sp.Open(0, 3, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Listeners())

	assert.Equal(t, 1, sp.CancelBefore(2))
	assert.Equal(t, []string{r2.Session}, sp.Sessions())
	_, _, err = sp.Supply(r1.Session, 0)
	assert.ErrorIs(t, err, common.ErrSessionUnknown)

	assert.Equal(t, 1, sp.Reap(time.Now().Add(time.Second)))
	assert.Empty(t, sp.Sessions())
	assert.Equal(t, common.OWNING, src.State())

	// a renting copy keeps supplying, a partial one never does
	src.Lock()
	require.NoError(t, src.Transition(common.RENTING))
	src.Unlock()
	r3, err := sp.Open(0, 2, 3, 0)
	require.NoError(t, err)
	sp.Cancel(r3.Session)

	src.Lock()
	src.Reset()
	src.Unlock()
	_, err = sp.Open(0, 2, 3, 0)
	assert.ErrorIs(t, err, common.ErrPartitionBusy)

	mid := partition.New(0, common.MOVING_TO)
	sp = MakeSupplier(func(int) *partition.Partition { return mid }, 4, time.Second, testLogger)
	_, err = sp.Open(0, 2, 3, 0)
	assert.ErrorIs(t, err, common.ErrPartitionBusy)
}

// Every key is removed on the supplier while the demander transfers the
// partition; none may survive on the demander.
func TestDemander_RemovesDuringTransfer(t *testing.T) {
	const keys = 5000
	src := partition.New(0, common.OWNING)
	for i := 0; i < keys; i++ {
		localMutate(src, common.Mutation{Op: common.OpPut, Key: fmt.Sprint(i), Value: []byte(fmt.Sprint(i))})
	}
	sp := MakeSupplier(func(int) *partition.Partition { return src }, 64, time.Minute, testLogger)

	started, removed := make(chan struct{}), make(chan struct{})
	var once sync.Once
	caller := &loopback{sp: sp, version: 1, onSupply: func(batch int) {
		once.Do(func() { close(started) })
		if batch == 40 {
			<-removed
		}
	}}
	sink := &memSink{p: partition.New(0, common.RENTING)}
	d := startDemand(t, sink, caller, 1, nil)

	<-started
	for i := 0; i < keys; i++ {
		localMutate(src, common.Mutation{Op: common.OpRemove, Key: fmt.Sprint(i)})
	}
	close(removed)
	waitDone(t, d)
	require.True(t, d.Completed())

	sink.p.Lock()
	defer sink.p.Unlock()
	assert.Equal(t, common.OWNING, sink.p.State())
	for i := 0; i < keys; i++ {
		assert.Nil(t, sink.p.Get(fmt.Sprint(i)), "key %d resurrected", i)
	}
	src.Lock()
	assert.Equal(t, src.Counter(), sink.p.Counter())
	src.Unlock()
}

func TestDemander_MixedTrafficConverges(t *testing.T) {
	const keys = 2000
	src := partition.New(0, common.OWNING)
	for i := 0; i < keys; i++ {
		localMutate(src, common.Mutation{Op: common.OpPut, Key: fmt.Sprint(i), Value: []byte("0")})
	}
	sp := MakeSupplier(func(int) *partition.Partition { return src }, 32, time.Minute, testLogger)
	traffic := make(chan struct{})
	caller := &loopback{sp: sp, version: 1, onSupply: func(batch int) {
		if batch == 30 {
			<-traffic
		}
	}}
	sink := &memSink{p: partition.New(0, common.RENTING)}
	d := startDemand(t, sink, caller, 1, nil)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 3*keys; i++ {
		k := fmt.Sprint(r.Intn(keys))
		if r.Intn(3) == 0 {
			localMutate(src, common.Mutation{Op: common.OpRemove, Key: k})
		} else {
			localMutate(src, common.Mutation{Op: common.OpPut, Key: k, Value: []byte(fmt.Sprint(i))})
		}
	}
	close(traffic)
	waitDone(t, d)
	require.True(t, d.Completed())

	src.Lock()
	sink.p.Lock()
	defer src.Unlock()
	defer sink.p.Unlock()
	for i := 0; i < keys; i++ {
		want, got := src.Get(fmt.Sprint(i)), sink.p.Get(fmt.Sprint(i))
		if want == nil {
			assert.Nil(t, got, "key %d", i)
			continue
		}
		require.NotNil(t, got, "key %d", i)
		assert.Equal(t, want.Value, got.Value)
		assert.Equal(t, want.Counter, got.Counter)
	}
}

func TestDemander_UpToDate(t *testing.T) {
	src := partition.New(0, common.OWNING)
	localMutate(src, common.Mutation{Op: common.OpPut, Key: "a", Value: []byte("v")})
	sp := MakeSupplier(func(int) *partition.Partition { return src }, 8, time.Minute, testLogger)

	sink := &memSink{p: partition.New(0, common.RENTING)}
	sink.p.Apply(&common.Mutation{Op: common.OpPut, Key: "a", Value: []byte("v"), Counter: 1})
	d := startDemand(t, sink, &loopback{sp: sp, version: 1}, 1, nil)
	waitDone(t, d)
	require.True(t, d.Completed())
	assert.Empty(t, sp.Sessions())
	assert.Equal(t, 1, sink.p.Size())
}

func TestDemander_RestartDiscardsPartialState(t *testing.T) {
	src := partition.New(0, common.OWNING)
	for i := 0; i < 100; i++ {
		localMutate(src, common.Mutation{Op: common.OpPut, Key: fmt.Sprint(i), Value: []byte("v")})
	}
	sp := MakeSupplier(func(int) *partition.Partition { return src }, 10, time.Minute, testLogger)

	block := make(chan struct{})
	reached := make(chan struct{})
	var once sync.Once
	caller := &loopback{sp: sp, version: 1, onSupply: func(batch int) {
		if batch == 3 {
			once.Do(func() { close(reached) })
			<-block
		}
	}}
	sink := &memSink{p: partition.New(0, common.RENTING)}
	d1 := startDemand(t, sink, caller, 1, nil)
	<-reached

	sink.p.Lock()
	assert.Equal(t, 30, sink.p.Size())
	sink.p.Unlock()

	// newer topology: the supplier drops old sessions and the demander restarts
	d1.Cancel()
	caller.version = 2
	assert.Equal(t, 1, sp.CancelBefore(2))
	close(block)
	waitDone(t, d1)
	assert.False(t, d1.Completed())

	sink.p.Lock()
	assert.Equal(t, 0, sink.p.Size())
	assert.Equal(t, 1, sink.discarded)
	d2 := StartDemander(0, 2, []int{1}, false, d1, conf(), caller, sink, testLogger)
	sink.p.SetSession(d2)
	sink.p.Unlock()

	waitDone(t, d2)
	require.True(t, d2.Completed())
	assert.Equal(t, 100, sink.p.Size())
}

func TestDemander_NoSupplierPrimaryTakesOver(t *testing.T) {
	src := partition.New(0, common.RENTING)
	sp := MakeSupplier(func(int) *partition.Partition { return src }, 10, time.Minute, testLogger)
	sink := &memSink{p: partition.New(0, common.RENTING)}

	sink.p.Lock()
	require.NoError(t, sink.p.Transition(common.MOVING_TO))
	d := StartDemander(0, 1, []int{1}, true, nil, conf(), &loopback{sp: sp, version: 1}, sink, testLogger)
	sink.p.SetSession(d)
	sink.p.Unlock()

	waitDone(t, d)
	assert.True(t, d.Completed())
	assert.Equal(t, common.OWNING, sink.p.State())
}
