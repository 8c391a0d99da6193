package topology

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/pkv/internal/etc"
	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/pkg/common"
)

var (
	topologyVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pkv",
		Subsystem: "coordinator",
		Name:      "topology_version",
		Help:      "Latest topology version.",
	})
	liveNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pkv",
		Subsystem: "coordinator",
		Name:      "nodes",
		Help:      "Nodes currently in the topology.",
	})
)

// Service is what a node needs from the membership service.
type Service interface {
	Join(ctx context.Context, nodeId int, addr string) (common.Topology, error)
	Leave(ctx context.Context, nodeId int) error
	// Query doubles as the node heartbeat.
	Query(ctx context.Context, nodeId int, version int64) (common.Topology, error)
}

type Node struct {
	Id       int
	Addr     string
	Status   common.NodeStatus
	LastBeat time.Time
}

// Coordinator owns the topology. Every join or leave produces a new version.
type Coordinator struct {
	mu   sync.RWMutex
	conf etc.CoordinatorConf

	nodes      map[int]*Node
	topologies []common.Topology

	rpcServ netw.Server
	httpSrv *http.Server

	KilledC chan struct{}
	once    sync.Once

	log *logrus.Logger
}

func MakeCoordinator(conf etc.CoordinatorConf) *Coordinator {
	c := &Coordinator{
		conf:    conf,
		nodes:   make(map[int]*Node),
		KilledC: make(chan struct{}),
		log:     common.MustInitLogger(conf.LogLevel, "Coordinator"),
	}
	c.topologies = []common.Topology{{
		Version: 0,
		Owners:  make([][]int, conf.Partitions),
		Nodes:   map[int]string{},
	}}

	go c.nodeStatusUpdater()
	return c
}

// StartServer exposes the coordinator over network and, if configured, metrics over http.
func (c *Coordinator) StartServer(network netw.Network) error {
	c.rpcServ = network.MakeServer(netw.ServiceCoordinator, c.conf.Addr)
	if err := c.rpcServ.Register(netw.ServiceCoordinator, &CoordinatorRPC{c: c}); err != nil {
		return err
	}
	go func() {
		if err := c.rpcServ.Start(); err != nil {
			c.log.Errorf("Coordinator rpc server stopped: %v", err)
		}
	}()
	if c.conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		c.httpSrv = &http.Server{Addr: c.conf.MetricsAddr, Handler: mux}
		go func() {
			if err := c.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.log.Errorf("Coordinator metrics server stopped: %v", err)
			}
		}()
	}
	c.log.Infof("Coordinator serving at %s, %d partitions, %d backups", c.conf.Addr, c.conf.Partitions, c.conf.Backups)
	return nil
}

func (c *Coordinator) Join(ctx context.Context, nodeId int, addr string) (common.Topology, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nodeId <= 0 {
		return common.Topology{}, errors.Errorf("invalid node id %d", nodeId)
	}
	if n, ok := c.nodes[nodeId]; ok && n.Status != common.NodeLeft {
		n.Addr = addr
		n.Status = common.NodeNormal
		n.LastBeat = time.Now()
		latest := c.latest()
		if latest.Nodes[nodeId] == addr {
			c.log.Infof("Coordinator: node %d rejoined at %s, version stays %d", nodeId, addr, latest.Version)
			return latest.Clone(), nil
		}
	} else {
		c.nodes[nodeId] = &Node{Id: nodeId, Addr: addr, Status: common.NodeNormal, LastBeat: time.Now()}
	}
	t := c.rebalanced()
	c.log.Infof("Coordinator: node %d joined at %s, version %d", nodeId, addr, t.Version)
	return t.Clone(), nil
}

func (c *Coordinator) Leave(ctx context.Context, nodeId int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[nodeId]
	if !ok || n.Status == common.NodeLeft {
		c.log.Infof("Coordinator: leave of unknown node %d ignored", nodeId)
		return nil
	}
	n.Status = common.NodeLeft
	t := c.rebalanced()
	c.log.Infof("Coordinator: node %d left, version %d", nodeId, t.Version)
	return nil
}

func (c *Coordinator) Query(ctx context.Context, nodeId int, version int64) (common.Topology, error) {
	if nodeId > 0 {
		c.mu.Lock()
		if n, ok := c.nodes[nodeId]; ok && n.Status != common.NodeLeft {
			n.LastBeat = time.Now()
			if n.Status == common.NodeDisconnect {
				n.Status = common.NodeNormal
				c.log.Infof("Coordinator: node %d reconnected", nodeId)
			}
		}
		c.mu.Unlock()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if version >= 0 && version < int64(len(c.topologies)) {
		return c.topologies[version].Clone(), nil
	}
	return c.latest().Clone(), nil
}

// Latest returns the current topology.
func (c *Coordinator) Latest() common.Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest().Clone()
}

func (c *Coordinator) Nodes() []common.NodeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]common.NodeInfo, 0, len(c.nodes))
	for _, n := range c.nodes {
		res = append(res, common.NodeInfo{Id: n.Id, Addr: n.Addr, Status: n.Status})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Id < res[j].Id })
	return res
}

func (c *Coordinator) latest() *common.Topology {
	return &c.topologies[len(c.topologies)-1]
}

// rebalanced appends a new topology version for the current members.
func (c *Coordinator) rebalanced() *common.Topology {
	prev := c.latest()

	var members []int
	nodes := make(map[int]string)
	for id, n := range c.nodes {
		if n.Status != common.NodeLeft {
			members = append(members, id)
			nodes[id] = n.Addr
		}
	}
	sort.Ints(members)

	next := common.Topology{
		Version: prev.Version + 1,
		Owners:  assign(prev.Owners, members, c.conf.Partitions, c.conf.Backups+1),
		Nodes:   nodes,
	}
	c.topologies = append(c.topologies, next)

	topologyVersion.Set(float64(next.Version))
	liveNodes.Set(float64(len(members)))
	c.log.Debugf("Coordinator rebalanced: version %d owners %v", next.Version, next.Owners)
	return c.latest()
}

func (c *Coordinator) nodeStatusUpdater() {
	for {
		select {
		case <-c.KilledC:
			c.log.Infof("Coordinator has been killed, stop nodeStatusUpdater loop")
			return
		case <-time.After(c.conf.HeartbeatTimeout.Duration / 3):
			c.mu.Lock()
			for _, node := range c.nodes {
				if node.Status == common.NodeNormal && time.Since(node.LastBeat) >= c.conf.HeartbeatTimeout.Duration {
					node.Status = common.NodeDisconnect
					c.log.Infof("Node %d is disconnected", node.Id)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) Kill() {
	c.once.Do(func() {
		close(c.KilledC)
		if c.rpcServ != nil {
			c.rpcServ.Stop()
		}
		if c.httpSrv != nil {
			_ = c.httpSrv.Close()
		}
	})
}

// CoordinatorRPC is the coordinator's network face.
type CoordinatorRPC struct {
	c *Coordinator
}

func (r *CoordinatorRPC) Join(ctx context.Context, args *common.JoinArgs, reply *common.JoinReply) error {
	t, err := r.c.Join(ctx, args.NodeId, args.Addr)
	if err != nil {
		reply.Err = common.ToErr(err)
		return nil
	}
	reply.Err = common.OK
	reply.Topology = t
	return nil
}

func (r *CoordinatorRPC) Leave(ctx context.Context, args *common.LeaveArgs, reply *common.LeaveReply) error {
	if err := r.c.Leave(ctx, args.NodeId); err != nil {
		reply.Err = common.ToErr(err)
		return nil
	}
	reply.Err = common.OK
	reply.Topology = r.c.Latest()
	return nil
}

func (r *CoordinatorRPC) Query(ctx context.Context, args *common.QueryArgs, reply *common.QueryReply) error {
	t, err := r.c.Query(ctx, args.NodeId, args.Version)
	if err != nil {
		reply.Err = common.ToErr(err)
		return nil
	}
	reply.Err = common.OK
	reply.Topology = t
	reply.Nodes = r.c.Nodes()
	return nil
}
