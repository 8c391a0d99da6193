package common

import (
	"github.com/Allen1211/msgp/msgp"
	"github.com/pkg/errors"
)

// Wire types are encoded as msgpack arrays with fields in declaration order.

func expectArray(b []byte, n uint32, name string) ([]byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, errors.Wrapf(err, "decode %s", name)
	}
	if sz != n {
		return b, errors.Errorf("decode %s: want %d fields, got %d", name, n, sz)
	}
	return o, nil
}

func appendErr(b []byte, e Err) []byte {
	return msgp.AppendString(b, string(e))
}

func readErr(b []byte, e *Err) ([]byte, error) {
	s, o, err := msgp.ReadStringBytes(b)
	if err != nil {
		return b, err
	}
	*e = Err(s)
	return o, nil
}

func appendBase(b []byte, a *BaseArgs) []byte {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendInt64(b, a.Version)
	return msgp.AppendInt(b, a.From)
}

func readBase(b []byte, a *BaseArgs) (o []byte, err error) {
	if o, err = expectArray(b, 2, "BaseArgs"); err != nil {
		return
	}
	if a.Version, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	a.From, o, err = msgp.ReadIntBytes(o)
	return
}

func AppendMutation(b []byte, m *Mutation) []byte {
	b = msgp.AppendArrayHeader(b, 5)
	b = msgp.AppendInt(b, m.Partition)
	b = msgp.AppendUint8(b, uint8(m.Op))
	b = msgp.AppendString(b, m.Key)
	if m.Value == nil {
		b = msgp.AppendNil(b)
	} else {
		b = msgp.AppendBytes(b, m.Value)
	}
	return msgp.AppendUint64(b, m.Counter)
}

func ReadMutation(b []byte, m *Mutation) (o []byte, err error) {
	if o, err = expectArray(b, 5, "Mutation"); err != nil {
		return
	}
	if m.Partition, o, err = msgp.ReadIntBytes(o); err != nil {
		return
	}
	var op uint8
	if op, o, err = msgp.ReadUint8Bytes(o); err != nil {
		return
	}
	m.Op = Op(op)
	if m.Key, o, err = msgp.ReadStringBytes(o); err != nil {
		return
	}
	if msgp.IsNil(o) {
		if o, err = msgp.ReadNilBytes(o); err != nil {
			return
		}
		m.Value = nil
	} else if m.Value, o, err = msgp.ReadBytesBytes(o, nil); err != nil {
		return
	}
	m.Counter, o, err = msgp.ReadUint64Bytes(o)
	return
}

func appendMutations(b []byte, ms []Mutation) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(ms)))
	for i := range ms {
		b = AppendMutation(b, &ms[i])
	}
	return b
}

func readMutations(b []byte) ([]Mutation, []byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	ms := make([]Mutation, sz)
	for i := range ms {
		if o, err = ReadMutation(o, &ms[i]); err != nil {
			return nil, b, err
		}
	}
	return ms, o, nil
}

func appendUint64s(b []byte, us []uint64) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(us)))
	for _, u := range us {
		b = msgp.AppendUint64(b, u)
	}
	return b
}

func readUint64s(b []byte) ([]uint64, []byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	us := make([]uint64, sz)
	for i := range us {
		if us[i], o, err = msgp.ReadUint64Bytes(o); err != nil {
			return nil, b, err
		}
	}
	return us, o, nil
}

func appendInts(b []byte, is []int) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(is)))
	for _, i := range is {
		b = msgp.AppendInt(b, i)
	}
	return b
}

func readInts(b []byte) ([]int, []byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	is := make([]int, sz)
	for i := range is {
		if is[i], o, err = msgp.ReadIntBytes(o); err != nil {
			return nil, b, err
		}
	}
	return is, o, nil
}

func (t *Topology) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendInt64(b, t.Version)
	b = msgp.AppendArrayHeader(b, uint32(len(t.Owners)))
	for _, owners := range t.Owners {
		b = appendInts(b, owners)
	}
	b = msgp.AppendMapHeader(b, uint32(len(t.Nodes)))
	for id, addr := range t.Nodes {
		b = msgp.AppendInt(b, id)
		b = msgp.AppendString(b, addr)
	}
	return b, nil
}

func (t *Topology) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 3, "Topology"); err != nil {
		return
	}
	if t.Version, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	var sz uint32
	if sz, o, err = msgp.ReadArrayHeaderBytes(o); err != nil {
		return
	}
	t.Owners = make([][]int, sz)
	for p := range t.Owners {
		if t.Owners[p], o, err = readInts(o); err != nil {
			return
		}
	}
	if sz, o, err = msgp.ReadMapHeaderBytes(o); err != nil {
		return
	}
	t.Nodes = make(map[int]string, sz)
	for i := uint32(0); i < sz; i++ {
		var id int
		var addr string
		if id, o, err = msgp.ReadIntBytes(o); err != nil {
			return
		}
		if addr, o, err = msgp.ReadStringBytes(o); err != nil {
			return
		}
		t.Nodes[id] = addr
	}
	return
}

func (a *GetArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = appendBase(b, &a.BaseArgs)
	return msgp.AppendString(b, a.Key), nil
}

func (a *GetArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 2, "GetArgs"); err != nil {
		return
	}
	if o, err = readBase(o, &a.BaseArgs); err != nil {
		return
	}
	a.Key, o, err = msgp.ReadStringBytes(o)
	return
}

func (r *GetReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = appendErr(b, r.Err)
	b = msgp.AppendInt(b, r.NodeId)
	b = msgp.AppendBool(b, r.Found)
	return msgp.AppendBytes(b, r.Value), nil
}

func (r *GetReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 4, "GetReply"); err != nil {
		return
	}
	if o, err = readErr(o, &r.Err); err != nil {
		return
	}
	if r.NodeId, o, err = msgp.ReadIntBytes(o); err != nil {
		return
	}
	if r.Found, o, err = msgp.ReadBoolBytes(o); err != nil {
		return
	}
	r.Value, o, err = msgp.ReadBytesBytes(o, nil)
	return
}

func (a *MutateArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = appendBase(b, &a.BaseArgs)
	b = appendMutations(b, a.Mutations)
	return msgp.AppendBool(b, a.SkipExisting), nil
}

func (a *MutateArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 3, "MutateArgs"); err != nil {
		return
	}
	if o, err = readBase(o, &a.BaseArgs); err != nil {
		return
	}
	if a.Mutations, o, err = readMutations(o); err != nil {
		return
	}
	a.SkipExisting, o, err = msgp.ReadBoolBytes(o)
	return
}

func (r *MutateReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = appendErr(b, r.Err)
	b = msgp.AppendInt(b, r.NodeId)
	return appendUint64s(b, r.Counters), nil
}

func (r *MutateReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 3, "MutateReply"); err != nil {
		return
	}
	if o, err = readErr(o, &r.Err); err != nil {
		return
	}
	if r.NodeId, o, err = msgp.ReadIntBytes(o); err != nil {
		return
	}
	r.Counters, o, err = readUint64s(o)
	return
}

func (a *ReplicateArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = appendBase(b, &a.BaseArgs)
	b = msgp.AppendInt(b, a.Partition)
	return appendMutations(b, a.Mutations), nil
}

func (a *ReplicateArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 3, "ReplicateArgs"); err != nil {
		return
	}
	if o, err = readBase(o, &a.BaseArgs); err != nil {
		return
	}
	if a.Partition, o, err = msgp.ReadIntBytes(o); err != nil {
		return
	}
	a.Mutations, o, err = readMutations(o)
	return
}

func (r *ReplicateReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 1)
	return appendErr(b, r.Err), nil
}

func (r *ReplicateReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 1, "ReplicateReply"); err != nil {
		return
	}
	return readErr(o, &r.Err)
}

func (a *DemandArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = appendBase(b, &a.BaseArgs)
	b = msgp.AppendInt(b, a.Partition)
	return msgp.AppendUint64(b, a.LastCounter), nil
}

func (a *DemandArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 3, "DemandArgs"); err != nil {
		return
	}
	if o, err = readBase(o, &a.BaseArgs); err != nil {
		return
	}
	if a.Partition, o, err = msgp.ReadIntBytes(o); err != nil {
		return
	}
	a.LastCounter, o, err = msgp.ReadUint64Bytes(o)
	return
}

func (r *DemandReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = appendErr(b, r.Err)
	b = msgp.AppendString(b, r.Session)
	b = msgp.AppendUint64(b, r.SnapshotCounter)
	return msgp.AppendBool(b, r.UpToDate), nil
}

func (r *DemandReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 4, "DemandReply"); err != nil {
		return
	}
	if o, err = readErr(o, &r.Err); err != nil {
		return
	}
	if r.Session, o, err = msgp.ReadStringBytes(o); err != nil {
		return
	}
	if r.SnapshotCounter, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return
	}
	r.UpToDate, o, err = msgp.ReadBoolBytes(o)
	return
}

func (a *SupplyArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = appendBase(b, &a.BaseArgs)
	b = msgp.AppendString(b, a.Session)
	return msgp.AppendInt(b, a.Batch), nil
}

func (a *SupplyArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 3, "SupplyArgs"); err != nil {
		return
	}
	if o, err = readBase(o, &a.BaseArgs); err != nil {
		return
	}
	if a.Session, o, err = msgp.ReadStringBytes(o); err != nil {
		return
	}
	a.Batch, o, err = msgp.ReadIntBytes(o)
	return
}

func (r *SupplyReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = appendErr(b, r.Err)
	b = appendMutations(b, r.Entries)
	return msgp.AppendBool(b, r.Last), nil
}

func (r *SupplyReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 3, "SupplyReply"); err != nil {
		return
	}
	if o, err = readErr(o, &r.Err); err != nil {
		return
	}
	if r.Entries, o, err = readMutations(o); err != nil {
		return
	}
	r.Last, o, err = msgp.ReadBoolBytes(o)
	return
}

func (a *ForwardArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = appendBase(b, &a.BaseArgs)
	b = msgp.AppendString(b, a.Session)
	return msgp.AppendUint64(b, a.Seq), nil
}

func (a *ForwardArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 3, "ForwardArgs"); err != nil {
		return
	}
	if o, err = readBase(o, &a.BaseArgs); err != nil {
		return
	}
	if a.Session, o, err = msgp.ReadStringBytes(o); err != nil {
		return
	}
	a.Seq, o, err = msgp.ReadUint64Bytes(o)
	return
}

func (r *ForwardReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 5)
	b = appendErr(b, r.Err)
	b = msgp.AppendUint64(b, r.Seq)
	b = appendMutations(b, r.Mutations)
	b = msgp.AppendBool(b, r.Done)
	return msgp.AppendUint64(b, r.FinalCounter), nil
}

func (r *ForwardReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 5, "ForwardReply"); err != nil {
		return
	}
	if o, err = readErr(o, &r.Err); err != nil {
		return
	}
	if r.Seq, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return
	}
	if r.Mutations, o, err = readMutations(o); err != nil {
		return
	}
	if r.Done, o, err = msgp.ReadBoolBytes(o); err != nil {
		return
	}
	r.FinalCounter, o, err = msgp.ReadUint64Bytes(o)
	return
}

func (a *CancelArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = appendBase(b, &a.BaseArgs)
	return msgp.AppendString(b, a.Session), nil
}

func (a *CancelArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 2, "CancelArgs"); err != nil {
		return
	}
	if o, err = readBase(o, &a.BaseArgs); err != nil {
		return
	}
	a.Session, o, err = msgp.ReadStringBytes(o)
	return
}

func (r *CancelReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 1)
	return appendErr(b, r.Err), nil
}

func (r *CancelReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 1, "CancelReply"); err != nil {
		return
	}
	return readErr(o, &r.Err)
}

func (a *ShowArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 1)
	return appendInts(b, a.Partitions), nil
}

func (a *ShowArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 1, "ShowArgs"); err != nil {
		return
	}
	a.Partitions, o, err = readInts(o)
	return
}

func (r *ShowReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = appendErr(b, r.Err)
	b = msgp.AppendInt(b, r.NodeId)
	b = msgp.AppendInt64(b, r.Version)
	b = msgp.AppendArrayHeader(b, uint32(len(r.Partitions)))
	for _, info := range r.Partitions {
		b = msgp.AppendArrayHeader(b, 5)
		b = msgp.AppendInt(b, info.Id)
		b = msgp.AppendInt(b, int(info.State))
		b = msgp.AppendUint64(b, info.Counter)
		b = msgp.AppendInt(b, info.Size)
		b = msgp.AppendBool(b, info.Primary)
	}
	return b, nil
}

func (r *ShowReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 4, "ShowReply"); err != nil {
		return
	}
	if o, err = readErr(o, &r.Err); err != nil {
		return
	}
	if r.NodeId, o, err = msgp.ReadIntBytes(o); err != nil {
		return
	}
	if r.Version, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	var sz uint32
	if sz, o, err = msgp.ReadArrayHeaderBytes(o); err != nil {
		return
	}
	r.Partitions = make([]PartitionInfo, sz)
	for i := range r.Partitions {
		info := &r.Partitions[i]
		var state int
		if o, err = expectArray(o, 5, "PartitionInfo"); err != nil {
			return
		}
		if info.Id, o, err = msgp.ReadIntBytes(o); err != nil {
			return
		}
		if state, o, err = msgp.ReadIntBytes(o); err != nil {
			return
		}
		info.State = PartitionState(state)
		if info.Counter, o, err = msgp.ReadUint64Bytes(o); err != nil {
			return
		}
		if info.Size, o, err = msgp.ReadIntBytes(o); err != nil {
			return
		}
		if info.Primary, o, err = msgp.ReadBoolBytes(o); err != nil {
			return
		}
	}
	return
}

func (a *JoinArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendInt(b, a.NodeId)
	return msgp.AppendString(b, a.Addr), nil
}

func (a *JoinArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 2, "JoinArgs"); err != nil {
		return
	}
	if a.NodeId, o, err = msgp.ReadIntBytes(o); err != nil {
		return
	}
	a.Addr, o, err = msgp.ReadStringBytes(o)
	return
}

func (r *JoinReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = appendErr(b, r.Err)
	return r.Topology.MarshalMsg(b)
}

func (r *JoinReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 2, "JoinReply"); err != nil {
		return
	}
	if o, err = readErr(o, &r.Err); err != nil {
		return
	}
	return r.Topology.UnmarshalMsg(o)
}

func (a *LeaveArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 1)
	return msgp.AppendInt(b, a.NodeId), nil
}

func (a *LeaveArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 1, "LeaveArgs"); err != nil {
		return
	}
	a.NodeId, o, err = msgp.ReadIntBytes(o)
	return
}

func (r *LeaveReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = appendErr(b, r.Err)
	return r.Topology.MarshalMsg(b)
}

func (r *LeaveReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 2, "LeaveReply"); err != nil {
		return
	}
	if o, err = readErr(o, &r.Err); err != nil {
		return
	}
	return r.Topology.UnmarshalMsg(o)
}

func (a *QueryArgs) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendInt(b, a.NodeId)
	return msgp.AppendInt64(b, a.Version), nil
}

func (a *QueryArgs) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 2, "QueryArgs"); err != nil {
		return
	}
	if a.NodeId, o, err = msgp.ReadIntBytes(o); err != nil {
		return
	}
	a.Version, o, err = msgp.ReadInt64Bytes(o)
	return
}

func (r *QueryReply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = appendErr(b, r.Err)
	var err error
	if b, err = r.Topology.MarshalMsg(b); err != nil {
		return b, err
	}
	b = msgp.AppendArrayHeader(b, uint32(len(r.Nodes)))
	for _, n := range r.Nodes {
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendInt(b, n.Id)
		b = msgp.AppendString(b, n.Addr)
		b = msgp.AppendInt(b, int(n.Status))
	}
	return b, nil
}

func (r *QueryReply) UnmarshalMsg(b []byte) (o []byte, err error) {
	if o, err = expectArray(b, 3, "QueryReply"); err != nil {
		return
	}
	if o, err = readErr(o, &r.Err); err != nil {
		return
	}
	if o, err = r.Topology.UnmarshalMsg(o); err != nil {
		return
	}
	var sz uint32
	if sz, o, err = msgp.ReadArrayHeaderBytes(o); err != nil {
		return
	}
	r.Nodes = make([]NodeInfo, sz)
	for i := range r.Nodes {
		var status int
		if o, err = expectArray(o, 3, "NodeInfo"); err != nil {
			return
		}
		if r.Nodes[i].Id, o, err = msgp.ReadIntBytes(o); err != nil {
			return
		}
		if r.Nodes[i].Addr, o, err = msgp.ReadStringBytes(o); err != nil {
			return
		}
		if status, o, err = msgp.ReadIntBytes(o); err != nil {
			return
		}
		r.Nodes[i].Status = NodeStatus(status)
	}
	return
}
