package pagestore

import (
	"encoding/binary"
	"fmt"

	"github.com/Allen1211/msgp/msgp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/allen1211/pkv/pkg/common/utils"
)

const (
	KeyCheckpointLSN = "cp/lsn"
	KeyPageSize      = "cp/pagesize"
	PartitionPrefix  = "part/"
	PartitionKey     = "part/%05d"
)

// PartitionMeta is the committed page directory of one partition.
type PartitionMeta struct {
	Chain   []uint32
	Next    uint32
	Free    []uint32
	Counter uint64
}

func (m *PartitionMeta) Root() uint32 {
	if len(m.Chain) == 0 {
		return 0
	}
	return m.Chain[0]
}

func (m *PartitionMeta) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = appendUint32s(b, m.Chain)
	b = msgp.AppendUint32(b, m.Next)
	b = appendUint32s(b, m.Free)
	b = msgp.AppendUint64(b, m.Counter)
	return b, nil
}

func (m *PartitionMeta) UnmarshalMsg(b []byte) (o []byte, err error) {
	var sz uint32
	if sz, o, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return
	}
	if sz != 4 {
		return o, msgp.ArrayError{Wanted: 4, Got: sz}
	}
	if m.Chain, o, err = readUint32s(o); err != nil {
		return
	}
	if m.Next, o, err = msgp.ReadUint32Bytes(o); err != nil {
		return
	}
	if m.Free, o, err = readUint32s(o); err != nil {
		return
	}
	m.Counter, o, err = msgp.ReadUint64Bytes(o)
	return
}

func appendUint32s(b []byte, us []uint32) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(us)))
	for _, u := range us {
		b = msgp.AppendUint32(b, u)
	}
	return b
}

func readUint32s(b []byte) ([]uint32, []byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, o, err
	}
	us := make([]uint32, sz)
	for i := range us {
		if us[i], o, err = msgp.ReadUint32Bytes(o); err != nil {
			return nil, o, err
		}
	}
	return us, o, nil
}

// MetaStore keeps page directories and the checkpoint watermark in leveldb.
type MetaStore struct {
	db   *leveldb.DB
	path string
}

func MakeMetaStore(path string) (*MetaStore, error) {
	ms := new(MetaStore)
	ms.path = path

	var err error
	if err = utils.CheckAndMkdir(path); err != nil {
		return nil, err
	}

	options := opt.Options{
		WriteBuffer: 1024 * 1024,
		NoSync:      false,
	}
	if ms.db, err = leveldb.OpenFile(path, &options); err != nil {
		return nil, err
	}
	return ms, nil
}

func (ms *MetaStore) Get(key string) ([]byte, error) {
	val, err := ms.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return val, err
}

func (ms *MetaStore) GetUint64(key string) (uint64, error) {
	val, err := ms.Get(key)
	if err != nil || len(val) != 8 {
		return 0, err
	}
	return binary.BigEndian.Uint64(val), nil
}

func (ms *MetaStore) Partitions() (map[int]*PartitionMeta, error) {
	res := make(map[int]*PartitionMeta)

	iter := ms.db.NewIterator(util.BytesPrefix([]byte(PartitionPrefix)), nil)
	defer iter.Release()

	for iter.First(); iter.Valid(); iter.Next() {
		var pid int
		if _, err := fmt.Sscanf(string(iter.Key()), PartitionKey, &pid); err != nil {
			return nil, err
		}
		meta := new(PartitionMeta)
		if err := utils.MsgpDecode(iter.Value(), meta); err != nil {
			return nil, err
		}
		res[pid] = meta
	}
	return res, iter.Error()
}

func (ms *MetaStore) Close() error {
	return ms.db.Close()
}

func (ms *MetaStore) FileSize() int64 {
	return utils.SizeOfDir(ms.path)
}

func (ms *MetaStore) Batch() *MetaBatch {
	return &MetaBatch{
		b:  new(leveldb.Batch),
		db: ms.db,
	}
}

type MetaBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (batch *MetaBatch) PutUint64(key string, val uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	batch.b.Put([]byte(key), buf)
}

func (batch *MetaBatch) PutPartition(pid int, meta *PartitionMeta) {
	batch.b.Put([]byte(fmt.Sprintf(PartitionKey, pid)), utils.MsgpEncode(meta))
}

func (batch *MetaBatch) DeletePartition(pid int) {
	batch.b.Delete([]byte(fmt.Sprintf(PartitionKey, pid)))
}

func (batch *MetaBatch) Len() int {
	return batch.b.Len()
}

// Execute commits the batch with a synced write.
func (batch *MetaBatch) Execute() error {
	return batch.db.Write(batch.b, &opt.WriteOptions{Sync: true})
}
