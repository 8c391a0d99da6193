package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/pkv/internal/etc"
	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/internal/topology"
	"github.com/allen1211/pkv/pkg/common"
)

const testPartitions = 16

type cluster struct {
	t     *testing.T
	net   *netw.LocalNetwork
	coord *topology.Coordinator
	dirs  map[int]string
	nodes map[int]*Node
}

func makeCluster(t *testing.T, backups int) *cluster {
	c := &cluster{
		t:   t,
		net: netw.MakeLocalNetwork(),
		coord: topology.MakeCoordinator(etc.CoordinatorConf{
			Addr:             "coordinator",
			Partitions:       testPartitions,
			Backups:          backups,
			HeartbeatTimeout: etc.Duration{Duration: 2 * time.Second},
			LogLevel:         "off",
		}),
		dirs:  make(map[int]string),
		nodes: make(map[int]*Node),
	}
	t.Cleanup(c.shutdown)
	return c
}

func testNodeConf(id int, dir string) *etc.NodeConf {
	conf := etc.MakeDefaultConfig()
	conf.NodeId = id
	conf.Host = "node"
	conf.Port = id
	conf.DataDir = dir
	conf.Partitions = testPartitions
	conf.LogLevel = "off"
	conf.HeartbeatInterval = etc.Duration{Duration: 50 * time.Millisecond}
	conf.Storage.PageSize = 1024
	conf.Storage.CheckpointInterval = etc.Duration{Duration: time.Hour}
	conf.Storage.TombstoneSweep = etc.Duration{Duration: 200 * time.Millisecond}
	conf.Rebalance.BatchSize = 256
	conf.Rebalance.SessionTimeout = etc.Duration{Duration: 5 * time.Second}
	conf.Rebalance.RetryInterval = etc.Duration{Duration: 20 * time.Millisecond}
	conf.Rebalance.RequestTimeout = etc.Duration{Duration: time.Second}
	return &conf
}

// start starts node id, reusing its data dir if it ran before.
func (c *cluster) start(id int, tweak ...func(conf *etc.NodeConf)) (*Node, *JoinFuture) {
	dir, ok := c.dirs[id]
	if !ok {
		dir = c.t.TempDir()
		c.dirs[id] = dir
	}
	conf := testNodeConf(id, dir)
	for _, f := range tweak {
		f(conf)
	}
	require.NoError(c.t, conf.Validate())

	n, jf, err := Start(conf, Deps{Network: c.net, Topology: c.coord})
	require.NoError(c.t, err)
	c.nodes[id] = n
	return n, jf
}

func (c *cluster) startJoined(id int, tweak ...func(conf *etc.NodeConf)) *Node {
	n, jf := c.start(id, tweak...)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(c.t, jf.Wait(ctx))
	return n
}

func (c *cluster) shutdown() {
	for _, n := range c.nodes {
		n.Kill()
	}
	c.coord.Kill()
}

// waitStable waits until every running node acts on the latest topology and
// owns everything it is assigned.
func (c *cluster) waitStable() common.Topology {
	var latest common.Topology
	require.Eventually(c.t, func() bool {
		latest = c.coord.Latest()
		for _, n := range c.nodes {
			if n.Killed() {
				continue
			}
			if n.Version() != latest.Version {
				return false
			}
			states := make(map[int]common.PartitionState)
			for _, info := range n.Show() {
				states[info.Id] = info.State
			}
			for pid := range latest.Owners {
				if !latest.IsOwner(pid, n.Id) {
					continue
				}
				if st, ok := states[pid]; !ok || st != common.OWNING {
					return false
				}
			}
		}
		return true
	}, 30*time.Second, 20*time.Millisecond)
	return latest
}

func keyOf(i int) string {
	return fmt.Sprintf("key-%06d", i)
}

func valueOf(i int) []byte {
	return []byte(fmt.Sprintf("value-%06d", i))
}

func load(t *testing.T, n *Node, from, to int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for lo := from; lo < to; lo += 1000 {
		kvs := make(map[string][]byte)
		for i := lo; i < lo+1000 && i < to; i++ {
			kvs[keyOf(i)] = valueOf(i)
		}
		require.NoError(t, n.PutAll(ctx, kvs))
	}
}

func removeRange(t *testing.T, n *Node, from, to int) {
	require.NoError(t, removeKeys(n, from, to))
}

func removeKeys(n *Node, from, to int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	for lo := from; lo < to; lo += 1000 {
		var ms []common.Mutation
		for i := lo; i < lo+1000 && i < to; i++ {
			ms = append(ms, common.Mutation{Op: common.OpRemove, Key: keyOf(i)})
		}
		if err := n.Submit(ctx, ms, false); err != nil {
			return err
		}
	}
	return nil
}

func TestNode_SingleNode(t *testing.T) {
	c := makeCluster(t, 0)
	n := c.startJoined(1)
	ctx := context.Background()

	require.NoError(t, n.Put(ctx, "a", []byte("1")))
	v, found, err := n.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, n.Put(ctx, "empty", nil))
	assert.Equal(t, []byte{}, n.LocalPeek("empty"))

	require.NoError(t, n.Remove(ctx, "a"))
	_, found, err = n.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, n.LocalPeek("a"))

	require.NoError(t, n.PutAll(ctx, map[string][]byte{"x": []byte("1"), "y": []byte("2")}))
	require.NoError(t, n.Submit(ctx, []common.Mutation{
		{Op: common.OpPut, Key: "x", Value: []byte("overwritten")},
		{Op: common.OpPut, Key: "z", Value: []byte("3")},
	}, true))
	assert.Equal(t, []byte("1"), n.LocalPeek("x"))
	assert.Equal(t, []byte("3"), n.LocalPeek("z"))

	infos := n.Show()
	require.Len(t, infos, testPartitions)
	for _, info := range infos {
		assert.Equal(t, common.OWNING, info.State)
		assert.True(t, info.Primary)
	}
}

func TestNode_CounterMonotonic(t *testing.T) {
	c := makeCluster(t, 0)
	n := c.startJoined(1)
	pid := n.partitionOf("hot")

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			last := uint64(0)
			for i := 0; i < 200; i++ {
				counters, err := n.mutate(pid, []common.Mutation{{Op: common.OpPut, Key: "hot", Value: valueOf(i)}}, false)
				if !assert.NoError(t, err) {
					return
				}
				assert.Greater(t, counters[0], last)
				last = counters[0]
				mu.Lock()
				assert.False(t, seen[last], "counter %d assigned twice", last)
				seen[last] = true
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	assert.Len(t, seen, 8*200)
}

func TestNode_RemoveDuringJoin(t *testing.T) {
	keys := 100000
	if testing.Short() {
		keys = 10000
	}
	c := makeCluster(t, 1)
	n1 := c.startJoined(1)
	load(t, n1, 0, keys)

	n2, jf := c.start(2)
	removeRange(t, n1, 0, keys)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, jf.Wait(ctx))
	c.waitStable()

	leaked := 0
	for i := 0; i < keys; i++ {
		if n2.LocalPeek(keyOf(i)) != nil || n1.LocalPeek(keyOf(i)) != nil {
			leaked++
		}
	}
	assert.Zero(t, leaked, "removed keys visible after rebalance")

	for _, info := range n2.Show() {
		assert.Equal(t, common.OWNING, info.State)
		assert.Zero(t, info.Size, "partition %d", info.Id)
	}
}

func TestNode_RestartReplaysLog(t *testing.T) {
	c := makeCluster(t, 0)
	n := c.startJoined(1)
	load(t, n, 0, 2000)
	removeRange(t, n, 0, 1000)
	before := n.Show()
	n.Kill()

	n = c.startJoined(1)
	c.waitStable()
	assert.Equal(t, before, n.Show())
	for i := 0; i < 2000; i++ {
		if i < 1000 {
			assert.Nil(t, n.LocalPeek(keyOf(i)))
		} else {
			assert.Equal(t, valueOf(i), n.LocalPeek(keyOf(i)))
		}
	}

	// replaying the same log again changes nothing
	n.Kill()
	n = c.startJoined(1)
	c.waitStable()
	assert.Equal(t, before, n.Show())
}

func TestNode_CheckpointTruncatesLog(t *testing.T) {
	c := makeCluster(t, 0)
	small := func(conf *etc.NodeConf) {
		conf.Wal.Capacity = 1 << 16
	}
	n := c.startJoined(1, small)

	// far more than the log holds, so appends wait for checkpoints
	load(t, n, 0, 5000)
	removeRange(t, n, 0, 2500)
	require.NoError(t, n.checkpoint())
	load(t, n, 5000, 5200)
	before := n.Show()
	n.Kill()

	n = c.startJoined(1, small)
	c.waitStable()
	assert.Equal(t, before, n.Show())
	for i := 0; i < 5200; i++ {
		if i < 2500 {
			assert.Nil(t, n.LocalPeek(keyOf(i)))
		} else {
			assert.Equal(t, valueOf(i), n.LocalPeek(keyOf(i)))
		}
	}
}

func TestNode_CloseCheckpoints(t *testing.T) {
	c := makeCluster(t, 0)
	n := c.startJoined(1)
	load(t, n, 0, 500)
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.checkpoint(), common.ErrClosed)

	n = c.startJoined(1)
	for i := 0; i < 500; i++ {
		assert.Equal(t, valueOf(i), n.LocalPeek(keyOf(i)))
	}
}

func TestNode_LostPartitionRefetched(t *testing.T) {
	c := makeCluster(t, 1)
	n1 := c.startJoined(1)
	n2 := c.startJoined(2)
	c.waitStable()
	load(t, n1, 0, 2000)

	pid := n1.partitionOf(keyOf(0))
	n1.Store().SetFault(pid, errors.New("disk detached"))
	require.NoError(t, n1.checkpoint())

	c.waitStable()
	for i := 0; i < 2000; i++ {
		if n1.partitionOf(keyOf(i)) != pid {
			continue
		}
		assert.Equal(t, valueOf(i), n1.LocalPeek(keyOf(i)))
		assert.Equal(t, valueOf(i), n2.LocalPeek(keyOf(i)))
	}
	// the fault was cleared with the lost image
	require.NoError(t, n1.checkpoint())
}

func TestNode_LostSoleCopyStartsEmpty(t *testing.T) {
	c := makeCluster(t, 0)
	n := c.startJoined(1)
	load(t, n, 0, 500)

	pid := n.partitionOf(keyOf(0))
	n.Store().SetFault(pid, errors.New("disk detached"))
	require.NoError(t, n.checkpoint())
	c.waitStable()

	assert.Nil(t, n.LocalPeek(keyOf(0)))
	require.NoError(t, n.Put(context.Background(), keyOf(0), []byte("again")))
	assert.Equal(t, []byte("again"), n.LocalPeek(keyOf(0)))
}

func TestNode_LostPartitionKeepsCounters(t *testing.T) {
	c := makeCluster(t, 0)
	n := c.startJoined(1)
	pid := n.partitionOf("k")

	put := func(i int) uint64 {
		counters, err := n.mutate(pid, []common.Mutation{{Op: common.OpPut, Key: "k", Value: valueOf(i)}}, false)
		require.NoError(t, err)
		return counters[0]
	}
	var last uint64
	for i := 0; i < 5; i++ {
		last = put(i)
	}

	n.Store().SetFault(pid, errors.New("disk detached"))
	require.NoError(t, n.checkpoint())
	c.waitStable()
	assert.Nil(t, n.LocalPeek("k"))

	counters, err := n.mutate(pid, []common.Mutation{{Op: common.OpRemove, Key: "k"}}, false)
	require.NoError(t, err)
	assert.Greater(t, counters[0], last, "counter reused after the partition was lost")
	last = counters[0]

	// the cleared partition keeps its high-water mark across a restart
	n.Kill()
	n = c.startJoined(1)
	c.waitStable()
	assert.Greater(t, put(5), last)
}

func TestNode_CheckpointSyncFailure(t *testing.T) {
	c := makeCluster(t, 1)
	n1 := c.startJoined(1)
	n2 := c.startJoined(2)
	c.waitStable()
	load(t, n1, 0, 2000)

	pid := n1.partitionOf(keyOf(0))
	n1.Store().SetSyncFault(pid, errors.New("fsync: input/output error"))
	require.NoError(t, n1.checkpoint())
	assert.Positive(t, testutil.ToFloat64(diskBytes.WithLabelValues("1")))

	// every other partition made it into the checkpoint
	committed := n1.Store().Partitions()
	assert.Len(t, committed, testPartitions-1)
	assert.NotContains(t, committed, pid)

	c.waitStable()
	for i := 0; i < 2000; i++ {
		if n1.partitionOf(keyOf(i)) != pid {
			continue
		}
		assert.Equal(t, valueOf(i), n1.LocalPeek(keyOf(i)))
		assert.Equal(t, valueOf(i), n2.LocalPeek(keyOf(i)))
	}

	// later checkpoints succeed and writes go on
	require.NoError(t, n1.checkpoint())
	assert.Contains(t, n1.Store().Partitions(), pid)
	load(t, n1, 2000, 2100)
}

func TestNode_RemoveDuringJoinUnreliable(t *testing.T) {
	keys := 20000
	if testing.Short() {
		keys = 5000
	}
	c := makeCluster(t, 1)
	n1 := c.startJoined(1)
	load(t, n1, 0, keys)

	c.net.SetUnreliable(3*time.Millisecond, 5, 5)
	n2, jf := c.start(2)
	removeRange(t, n1, 0, keys/2)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, jf.Wait(ctx))
	c.net.SetUnreliable(0, 0, 0)
	c.waitStable()

	leaked := 0
	for i := 0; i < keys; i++ {
		if i < keys/2 {
			if n1.LocalPeek(keyOf(i)) != nil || n2.LocalPeek(keyOf(i)) != nil {
				leaked++
			}
			continue
		}
		assert.Equal(t, valueOf(i), n1.LocalPeek(keyOf(i)))
		assert.Equal(t, valueOf(i), n2.LocalPeek(keyOf(i)))
	}
	assert.Zero(t, leaked, "removed keys visible after rebalance")
}

func TestNode_RestartDuringRebalance(t *testing.T) {
	c := makeCluster(t, 1)
	n1 := c.startJoined(1)
	load(t, n1, 0, 20000)

	n2, _ := c.start(2)
	require.Eventually(t, func() bool {
		return len(n2.Show()) > 0
	}, 10*time.Second, 5*time.Millisecond)
	n2.Kill()

	errC := make(chan error, 1)
	go func() {
		errC <- removeKeys(n1, 0, 5000)
	}()
	n2 = c.startJoined(2)
	require.NoError(t, <-errC)
	c.waitStable()

	for i := 0; i < 20000; i++ {
		want := valueOf(i)
		if i < 5000 {
			want = nil
		}
		assert.Equal(t, want, n2.LocalPeek(keyOf(i)))
		assert.Equal(t, want, n1.LocalPeek(keyOf(i)))
	}
}

func TestNode_LeaveEvictsRentedCopies(t *testing.T) {
	c := makeCluster(t, 1)
	n1 := c.startJoined(1)
	n2 := c.startJoined(2)
	c.waitStable()
	load(t, n1, 0, 1000)

	require.NoError(t, n2.Leave(context.Background()))
	latest := c.waitStable()
	for pid := 0; pid < testPartitions; pid++ {
		assert.Equal(t, []int{1}, latest.OwnersOf(pid))
	}
	require.Eventually(t, func() bool {
		return len(n2.Show()) == 0
	}, 10*time.Second, 20*time.Millisecond)

	for i := 0; i < 1000; i++ {
		v, found, err := n1.Get(context.Background(), keyOf(i))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, valueOf(i), v)
	}
}

func TestNode_GetThroughRemotePrimary(t *testing.T) {
	c := makeCluster(t, 1)
	n1 := c.startJoined(1)
	n2 := c.startJoined(2)
	topo := c.waitStable()

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		require.NoError(t, n1.Put(ctx, keyOf(i), valueOf(i)))
	}
	remote := 0
	for i := 0; i < 200; i++ {
		if topo.Primary(n2.partitionOf(keyOf(i))) != n2.Id {
			remote++
		}
		v, found, err := n2.Get(ctx, keyOf(i))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, valueOf(i), v)
	}
	assert.NotZero(t, remote)
}

func TestJoinFuture_Cancel(t *testing.T) {
	net := netw.MakeLocalNetwork()
	conf := testNodeConf(1, t.TempDir())
	conf.Coordinator = "nowhere"
	n, jf, err := Start(conf, Deps{Network: net})
	require.NoError(t, err)
	defer n.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, jf.Wait(ctx), context.DeadlineExceeded)

	jf.Cancel()
	assert.ErrorIs(t, jf.Wait(context.Background()), ErrJoinCancelled)
}
