package common

// Mutation is the unit shipped through the WAL, replication, snapshot batches
// and forward queues. Counter 0 means "not yet assigned".
type Mutation struct {
	Partition int
	Op        Op
	Key       string
	Value     []byte
	Counter   uint64
}

func (m *Mutation) IsRemove() bool {
	return m.Op == OpRemove
}

// Topology is one version of the partition -> owners assignment. Owners[p][0] is the primary.
type Topology struct {
	Version int64
	Owners  [][]int
	Nodes   map[int]string
}

func (t *Topology) NumPartitions() int {
	return len(t.Owners)
}

func (t *Topology) OwnersOf(partition int) []int {
	if partition < 0 || partition >= len(t.Owners) {
		return nil
	}
	return t.Owners[partition]
}

func (t *Topology) Primary(partition int) int {
	owners := t.OwnersOf(partition)
	if len(owners) == 0 {
		return -1
	}
	return owners[0]
}

func (t *Topology) IsOwner(partition, nodeId int) bool {
	for _, id := range t.OwnersOf(partition) {
		if id == nodeId {
			return true
		}
	}
	return false
}

func (t *Topology) Clone() Topology {
	res := Topology{
		Version: t.Version,
		Owners:  make([][]int, len(t.Owners)),
		Nodes:   make(map[int]string, len(t.Nodes)),
	}
	for p, owners := range t.Owners {
		res.Owners[p] = append([]int(nil), owners...)
	}
	for id, addr := range t.Nodes {
		res.Nodes[id] = addr
	}
	return res
}

type BaseArgs struct {
	Version int64
	From    int
}

type GetArgs struct {
	BaseArgs
	Key string
}

type GetReply struct {
	Err    Err
	NodeId int
	Found  bool
	Value  []byte
}

// MutateArgs carries client puts and removes. Batches from the streamer
// set SkipExisting when overwrites are not allowed.
type MutateArgs struct {
	BaseArgs
	Mutations    []Mutation
	SkipExisting bool
}

type MutateReply struct {
	Err      Err
	NodeId   int
	Counters []uint64
}

type ReplicateArgs struct {
	BaseArgs
	Partition int
	Mutations []Mutation
}

type ReplicateReply struct {
	Err Err
}

type DemandArgs struct {
	BaseArgs
	Partition   int
	LastCounter uint64
}

type DemandReply struct {
	Err             Err
	Session         string
	SnapshotCounter uint64
	UpToDate        bool
}

// SupplyArgs asks for snapshot batch number Batch; asking again returns the same batch.
type SupplyArgs struct {
	BaseArgs
	Session string
	Batch   int
}

type SupplyReply struct {
	Err     Err
	Entries []Mutation
	Last    bool
}

// ForwardArgs acknowledges every queued mutation below Seq and asks for the next ones.
type ForwardArgs struct {
	BaseArgs
	Session string
	Seq     uint64
}

type ForwardReply struct {
	Err          Err
	Seq          uint64
	Mutations    []Mutation
	Done         bool
	FinalCounter uint64
}

type CancelArgs struct {
	BaseArgs
	Session string
}

type CancelReply struct {
	Err Err
}

type PartitionInfo struct {
	Id      int
	State   PartitionState
	Counter uint64
	Size    int
	Primary bool
}

type ShowArgs struct {
	Partitions []int
}

type ShowReply struct {
	Err        Err
	NodeId     int
	Version    int64
	Partitions []PartitionInfo
}

type NodeInfo struct {
	Id     int
	Addr   string
	Status NodeStatus
}

type JoinArgs struct {
	NodeId int
	Addr   string
}

type JoinReply struct {
	Err      Err
	Topology Topology
}

type LeaveArgs struct {
	NodeId int
}

type LeaveReply struct {
	Err      Err
	Topology Topology
}

// QueryArgs doubles as the node heartbeat: NodeId refreshes the node's liveness.
type QueryArgs struct {
	NodeId  int
	Version int64
}

type QueryReply struct {
	Err      Err
	Topology Topology
	Nodes    []NodeInfo
}
