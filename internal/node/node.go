package node

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/pkv/internal/etc"
	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/internal/pagestore"
	"github.com/allen1211/pkv/internal/partition"
	"github.com/allen1211/pkv/internal/rebalance"
	"github.com/allen1211/pkv/internal/topology"
	"github.com/allen1211/pkv/internal/wal"
	"github.com/allen1211/pkv/pkg/common"
	"github.com/allen1211/pkv/pkg/common/utils"
)

var ErrJoinCancelled = errors.New("join cancelled")

// Deps are the collaborators a node is started with.
type Deps struct {
	Network netw.Network
	// Topology defaults to a Clerk for conf.Coordinator over Network.
	Topology topology.Service
}

type Node struct {
	Id   int
	conf *etc.NodeConf
	log  *logrus.Logger
	tsr  *common.ThreadSafeRand

	mu        sync.RWMutex
	topo      common.Topology
	slots     map[int]*slot
	demanders map[int]*rebalance.Demander
	joined    bool
	left      bool

	// appends hold it shared, a checkpoint holds it exclusively
	cpMu  sync.RWMutex
	store *pagestore.Store
	wal   *wal.WAL

	supplier *rebalance.Supplier
	network  netw.Network
	coord    topology.Service
	rpcServ  netw.Server
	httpSrv  *http.Server

	endsMu sync.Mutex
	ends   map[string]netw.Client

	joinF   *JoinFuture
	ctx     context.Context
	stop    context.CancelFunc
	KilledC chan struct{}
	killed  int32
	wg      sync.WaitGroup
}

// Start recovers the node from conf.DataDir, starts serving and joins the
// cluster in the background. The returned future completes once every
// partition assigned to the node is OWNING.
func Start(conf *etc.NodeConf, deps Deps) (*Node, *JoinFuture, error) {
	n := &Node{
		Id:        conf.NodeId,
		conf:      conf,
		log:       common.MustInitLogger(conf.LogLevel, fmt.Sprintf("Node%d", conf.NodeId)),
		tsr:       common.MakeThreadSafeRand(time.Now().UnixNano() + int64(conf.NodeId)),
		topo:      common.Topology{Nodes: map[int]string{}},
		slots:     make(map[int]*slot),
		demanders: make(map[int]*rebalance.Demander),
		network:   deps.Network,
		coord:     deps.Topology,
		ends:      make(map[string]netw.Client),
		KilledC:   make(chan struct{}),
	}
	n.ctx, n.stop = context.WithCancel(context.Background())
	if n.network == nil {
		n.network = netw.RpcxNetwork{}
	}
	if n.coord == nil {
		n.coord = topology.MakeClerk(n.network, conf.Coordinator)
	}

	var err error
	if n.store, err = pagestore.Open(conf.DataDir, conf.Storage.PageSize, n.log); err != nil {
		return nil, nil, err
	}
	walDir := filepath.Join(conf.DataDir, "wal")
	if err = utils.CheckAndMkdir(walDir); err != nil {
		n.store.Close()
		return nil, nil, errors.Wrapf(common.ErrIOFailure, "%v", err)
	}
	opts := wal.Options{
		Capacity:      conf.Wal.Capacity,
		Mode:          wal.ParseMode(conf.Wal.Mode),
		FlushInterval: conf.Wal.FlushInterval.Duration,
	}
	if n.wal, err = wal.Open(filepath.Join(walDir, "wal.log"), opts, n.log); err != nil {
		n.store.Close()
		return nil, nil, err
	}
	if err = n.recover(); err != nil {
		n.wal.Close()
		n.store.Close()
		return nil, nil, err
	}

	n.supplier = rebalance.MakeSupplier(n.lookup, conf.Rebalance.BatchSize, conf.Rebalance.SessionTimeout.Duration, n.log)

	if err = n.startRPCServer(); err != nil {
		n.wal.Close()
		n.store.Close()
		return nil, nil, err
	}
	n.startMetricsServer()

	n.joinF = makeJoinFuture()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.join()
	}()

	n.daemon("poller", n.poll, conf.HeartbeatInterval.Duration)
	n.daemon("checkpointer", func() {
		if err := n.checkpoint(); err != nil && !errors.Is(err, common.ErrClosed) {
			n.log.Errorf("Node %d checkpoint failed: %v", n.Id, err)
		}
	}, conf.Storage.CheckpointInterval.Duration)
	n.daemon("sweeper", n.sweep, conf.Storage.TombstoneSweep.Duration)
	n.daemon("reaper", n.reap, conf.Rebalance.SessionTimeout.Duration/2)
	n.daemon("evictor", n.evict, 5*conf.HeartbeatInterval.Duration)

	n.log.Infof("Node %d started at %s, data dir %s, %d partitions recovered", n.Id, conf.Addr(), conf.DataDir, len(n.slots))
	return n, n.joinF, nil
}

func (n *Node) startRPCServer() error {
	n.rpcServ = n.network.MakeServer(netw.ServiceNode, n.conf.Addr())
	if err := n.rpcServ.Register(netw.ServiceNode, &NodeRPC{n: n}); err != nil {
		return err
	}
	go func() {
		if err := n.rpcServ.Start(); err != nil {
			n.log.Errorf("Node %d rpc server stopped: %v", n.Id, err)
		}
	}()
	return nil
}

func (n *Node) startMetricsServer() {
	if n.conf.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	n.httpSrv = &http.Server{Addr: n.conf.MetricsAddr, Handler: mux}
	go func() {
		if err := n.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.Errorf("Node %d metrics server stopped: %v", n.Id, err)
		}
	}()
}

func (n *Node) daemon(name string, f func(), tick time.Duration) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-n.KilledC:
				n.log.Debugf("daemon goroutine %s was killed", name)
				return
			case <-ticker.C:
				f()
			}
		}
	}()
}

// recover loads the checkpointed images and replays the WAL on top of them.
// Recovered partitions are RENTING until a topology says otherwise.
func (n *Node) recover() error {
	for _, pid := range n.store.Partitions() {
		data, _, err := n.store.ReadImage(pid)
		s := makeSlot(pid, common.RENTING)
		if err == nil {
			err = s.p.LoadImage(data)
		}
		if err != nil {
			n.log.Errorf("Node %d: partition %d image unreadable, dropped: %v", n.Id, pid, err)
			n.store.DropPartition(pid)
			continue
		}
		n.slots[pid] = s
	}

	from := n.store.CheckpointLSN()
	cursor := n.wal.Replay(from)
	replayed := 0
	for {
		rec, ok, err := cursor.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		s := n.slots[rec.Partition]
		if s == nil {
			s = makeSlot(rec.Partition, common.RENTING)
			n.slots[rec.Partition] = s
		}
		s.p.Apply(&rec.Mutation)
		replayed++
	}
	for pid, s := range n.slots {
		if s.p.Counter() == 0 && s.p.Size() == 0 && s.p.Tombstones() == 0 {
			delete(n.slots, pid)
		}
	}
	n.log.Infof("Node %d recovered %d partitions, replayed %d records from lsn %d to %d",
		n.Id, len(n.slots), replayed, from, cursor.LSN())
	return nil
}

func (n *Node) join() {
	for {
		ctx, cancel := context.WithTimeout(n.joinF.ctx, n.conf.Rebalance.RequestTimeout.Duration)
		t, err := n.coord.Join(ctx, n.Id, n.conf.Addr())
		cancel()
		if err == nil {
			n.mu.Lock()
			n.joined = true
			n.mu.Unlock()
			n.log.Infof("Node %d joined at topology version %d", n.Id, t.Version)
			n.install(t)
			n.checkJoined()
			return
		}
		n.log.Warnf("Node %d failed to join: %v", n.Id, err)
		select {
		case <-n.KilledC:
			return
		case <-n.joinF.ctx.Done():
			return
		case <-time.After(n.tsr.Jitter(n.conf.Rebalance.RetryInterval.Duration)):
		}
	}
}

// poll doubles as the heartbeat to the coordinator.
func (n *Node) poll() {
	n.mu.RLock()
	joined, left, version := n.joined, n.left, n.topo.Version
	n.mu.RUnlock()
	if !joined {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.conf.Rebalance.RequestTimeout.Duration)
	t, err := n.coord.Query(ctx, n.Id, -1)
	cancel()
	if err != nil {
		n.log.Debugf("Node %d failed to query topology: %v", n.Id, err)
		return
	}
	if _, ok := t.Nodes[n.Id]; !ok && !left && t.Version > 0 {
		n.log.Warnf("Node %d is missing from topology %d, join again", n.Id, t.Version)
		ctx, cancel := context.WithTimeout(n.ctx, n.conf.Rebalance.RequestTimeout.Duration)
		t, err = n.coord.Join(ctx, n.Id, n.conf.Addr())
		cancel()
		if err != nil {
			return
		}
	}
	if t.Version > version {
		n.install(t)
	}
	n.checkJoined()
	n.updateGauges()
}

// install applies next, fetching the version before it when the node skipped it.
func (n *Node) install(next common.Topology) {
	n.mu.RLock()
	prev := n.topo
	n.mu.RUnlock()
	if next.Version <= prev.Version {
		return
	}
	if prev.Version != next.Version-1 && next.Version > 1 {
		ctx, cancel := context.WithTimeout(n.ctx, n.conf.Rebalance.RequestTimeout.Duration)
		if t, err := n.coord.Query(ctx, 0, next.Version-1); err == nil && t.Version == next.Version-1 {
			prev = t
		}
		cancel()
	}
	n.applyTopology(next, prev)
}

func (n *Node) checkJoined() {
	if n.joinF.resolved() {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.joined || n.topo.Version == 0 {
		return
	}
	for pid := range n.topo.Owners {
		if !n.topo.IsOwner(pid, n.Id) {
			continue
		}
		s := n.slots[pid]
		if s == nil {
			return
		}
		s.p.Lock()
		state := s.p.State()
		s.p.Unlock()
		if state != common.OWNING && state != common.MOVING_FROM {
			return
		}
	}
	n.log.Infof("Node %d: every assigned partition is owned at topology version %d", n.Id, n.topo.Version)
	n.joinF.finish(nil)
}

// Leave asks the coordinator to move every partition away from this node.
// The node keeps supplying until the new owners have the data.
func (n *Node) Leave(ctx context.Context) error {
	n.mu.Lock()
	n.left = true
	n.mu.Unlock()
	return n.coord.Leave(ctx, n.Id)
}

// Close checkpoints and stops the node.
func (n *Node) Close() error {
	err := n.checkpoint()
	n.Kill()
	return err
}

// Kill stops the node without a checkpoint; recovery replays the WAL.
func (n *Node) Kill() {
	if !atomic.CompareAndSwapInt32(&n.killed, 0, 1) {
		return
	}
	close(n.KilledC)
	n.stop()
	n.joinF.cancel()
	n.joinF.finish(common.ErrClosed)
	n.rpcServ.Stop()

	n.mu.Lock()
	demanders := make([]*rebalance.Demander, 0, len(n.demanders))
	for _, d := range n.demanders {
		d.Cancel()
		demanders = append(demanders, d)
	}
	n.mu.Unlock()
	n.supplier.Close()
	n.wg.Wait()
	for _, d := range demanders {
		<-d.Done()
	}

	n.cpMu.Lock()
	if err := n.wal.Close(); err != nil {
		n.log.Errorf("Node %d failed to close wal: %v", n.Id, err)
	}
	if err := n.store.Close(); err != nil {
		n.log.Errorf("Node %d failed to close page store: %v", n.Id, err)
	}
	n.cpMu.Unlock()

	if n.httpSrv != nil {
		_ = n.httpSrv.Close()
	}
	n.endsMu.Lock()
	for _, end := range n.ends {
		end.Close()
	}
	n.endsMu.Unlock()
	n.log.Warnf("Node %d was killed", n.Id)
}

func (n *Node) Killed() bool {
	return atomic.LoadInt32(&n.killed) == 1
}

func (n *Node) Version() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.topo.Version
}

// Topology returns a copy of the topology the node currently acts on.
func (n *Node) Topology() common.Topology {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.topo.Clone()
}

// Partitions is the number of partitions keys are spread over.
func (n *Node) Partitions() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if p := n.topo.NumPartitions(); p > 0 {
		return p
	}
	return n.conf.Partitions
}

// Store exposes the page store, mainly for fault injection in tests.
func (n *Node) Store() *pagestore.Store {
	return n.store
}

// Show returns the state of the given partitions, every local one if none given.
func (n *Node) Show(pids ...int) []common.PartitionInfo {
	n.mu.RLock()
	var slots []*slot
	if len(pids) == 0 {
		for _, s := range n.slots {
			slots = append(slots, s)
		}
	} else {
		for _, pid := range pids {
			if s := n.slots[pid]; s != nil {
				slots = append(slots, s)
			}
		}
	}
	n.mu.RUnlock()

	res := make([]common.PartitionInfo, 0, len(slots))
	for _, s := range slots {
		res = append(res, s.info())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Id < res[j].Id })
	return res
}

func (n *Node) slot(pid int) *slot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.slots[pid]
}

func (n *Node) lookup(pid int) *partition.Partition {
	if s := n.slot(pid); s != nil {
		return s.p
	}
	return nil
}

func (n *Node) end(addr string) netw.Client {
	n.endsMu.Lock()
	defer n.endsMu.Unlock()
	end, ok := n.ends[addr]
	if !ok {
		end = n.network.MakeClient(netw.ServiceNode, addr)
		n.ends[addr] = end
	}
	return end
}

// CallNode implements rebalance.Caller.
func (n *Node) CallNode(ctx context.Context, nodeId int, method string, args interface{}, reply interface{}) error {
	n.mu.RLock()
	addr, ok := n.topo.Nodes[nodeId]
	n.mu.RUnlock()
	if !ok {
		return errors.Wrapf(common.ErrRemoteFailed, "node %d is not in the topology", nodeId)
	}
	return n.end(addr).Call(ctx, method, args, reply)
}

func (n *Node) sweep() {
	n.mu.RLock()
	slots := make([]*slot, 0, len(n.slots))
	for _, s := range n.slots {
		slots = append(slots, s)
	}
	n.mu.RUnlock()

	total := 0
	for _, s := range slots {
		s.p.Lock()
		total += s.p.SweepTombstones()
		s.p.Unlock()
	}
	if total > 0 {
		sweptTombstones.Add(float64(total))
		n.log.Debugf("Node %d swept %d tombstones", n.Id, total)
	}
}

func (n *Node) reap() {
	if c := n.supplier.Reap(time.Now()); c > 0 {
		n.log.Infof("Node %d reaped %d idle supply sessions", n.Id, c)
	}
}

func (n *Node) updateGauges() {
	counts := map[common.PartitionState]int{}
	for _, info := range n.Show() {
		counts[info.State]++
	}
	id := fmt.Sprint(n.Id)
	for _, st := range []common.PartitionState{common.OWNING, common.MOVING_TO, common.MOVING_FROM,
		common.RENTING, common.EVICTED, common.LOST} {
		partitionStates.WithLabelValues(id, st.String()).Set(float64(counts[st]))
	}
}

// JoinFuture completes when the node owns everything assigned to it.
type JoinFuture struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	doneC  chan struct{}
	err    error
}

func makeJoinFuture() *JoinFuture {
	ctx, cancel := context.WithCancel(context.Background())
	return &JoinFuture{ctx: ctx, cancel: cancel, doneC: make(chan struct{})}
}

func (f *JoinFuture) finish(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.doneC)
	})
}

func (f *JoinFuture) resolved() bool {
	select {
	case <-f.doneC:
		return true
	default:
		return false
	}
}

func (f *JoinFuture) Done() <-chan struct{} {
	return f.doneC
}

// Wait blocks until the join completes or ctx is done.
func (f *JoinFuture) Wait(ctx context.Context) error {
	select {
	case <-f.doneC:
		return f.err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for join")
	}
}

// Cancel stops waiting for the join. A node that already joined stays in the cluster.
func (f *JoinFuture) Cancel() {
	f.cancel()
	f.finish(ErrJoinCancelled)
}
