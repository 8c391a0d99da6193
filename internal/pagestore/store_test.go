package pagestore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/pkv/pkg/common"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	ps, err := Open(dir, 512, common.MustInitLogger("off", "pagestore"))
	require.NoError(t, err)
	return ps
}

func checkpoint(t *testing.T, ps *Store, lsn uint64) {
	t.Helper()
	failed, err := ps.Checkpoint(lsn)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestStore_PageReadWrite(t *testing.T) {
	ps := openStore(t, t.TempDir())
	defer ps.Close()

	id1, err := ps.AllocatePage(3)
	require.NoError(t, err)
	id2, err := ps.AllocatePage(3)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.NotZero(t, id1)

	require.NoError(t, ps.WritePage(3, &Page{Id: id1, Next: id2, Data: []byte("hello")}))
	page, err := ps.ReadPage(3, id1)
	require.NoError(t, err)
	assert.Equal(t, id2, page.Next)
	assert.Equal(t, []byte("hello"), page.Data)

	_, err = ps.ReadPage(3, 99)
	assert.Error(t, err)

	err = ps.WritePage(3, &Page{Id: id2, Data: make([]byte, 512)})
	assert.ErrorIs(t, err, ErrPageTooLarge)
}

func TestStore_ImageCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ps := openStore(t, dir)

	data := bytes.Repeat([]byte("0123456789"), 300)
	require.NoError(t, ps.WriteImage(1, data, 42))

	// nothing is committed before the checkpoint
	img, _, err := ps.ReadImage(1)
	require.NoError(t, err)
	assert.Nil(t, img)

	checkpoint(t, ps, 100)
	img, counter, err := ps.ReadImage(1)
	require.NoError(t, err)
	assert.Equal(t, data, img)
	assert.Equal(t, uint64(42), counter)
	require.NoError(t, ps.Close())

	ps = openStore(t, dir)
	defer ps.Close()
	assert.Equal(t, uint64(100), ps.CheckpointLSN())
	assert.Equal(t, []int{1}, ps.Partitions())
	img, counter, err = ps.ReadImage(1)
	require.NoError(t, err)
	assert.Equal(t, data, img)
	assert.Equal(t, uint64(42), counter)
}

func TestStore_UncommittedImageLostOnCrash(t *testing.T) {
	dir := t.TempDir()
	ps := openStore(t, dir)

	require.NoError(t, ps.WriteImage(2, []byte("first"), 1))
	checkpoint(t, ps, 10)
	require.NoError(t, ps.WriteImage(2, []byte("second"), 2))
	// reopen without a checkpoint
	require.NoError(t, ps.Close())

	ps = openStore(t, dir)
	defer ps.Close()
	img, counter, err := ps.ReadImage(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), img)
	assert.Equal(t, uint64(1), counter)
	assert.Equal(t, uint64(10), ps.CheckpointLSN())
}

func TestStore_PagesReused(t *testing.T) {
	ps := openStore(t, t.TempDir())
	defer ps.Close()

	data := bytes.Repeat([]byte{7}, 2000)
	for i := 0; i < 10; i++ {
		require.NoError(t, ps.WriteImage(0, data, uint64(i)))
		checkpoint(t, ps, uint64(i))
	}
	// two chains at most are ever live
	pf := ps.parts[0]
	chainLen := uint32(len(pf.committed.Chain))
	assert.LessOrEqual(t, pf.committed.Next-1, 2*chainLen)

	img, _, err := ps.ReadImage(0)
	require.NoError(t, err)
	assert.Equal(t, data, img)
}

func TestStore_DropPartition(t *testing.T) {
	ps := openStore(t, t.TempDir())
	defer ps.Close()

	require.NoError(t, ps.WriteImage(5, []byte("x"), 1))
	checkpoint(t, ps, 1)
	ps.DropPartition(5)
	checkpoint(t, ps, 2)

	img, _, err := ps.ReadImage(5)
	require.NoError(t, err)
	assert.Nil(t, img)
	assert.Empty(t, ps.Partitions())
}

func TestStore_Fault(t *testing.T) {
	ps := openStore(t, t.TempDir())
	defer ps.Close()

	require.NoError(t, ps.WriteImage(4, []byte("x"), 1))
	checkpoint(t, ps, 1)

	ps.SetFault(4, errors.New("disk gone"))
	_, _, err := ps.ReadImage(4)
	assert.ErrorIs(t, err, common.ErrIOFailure)
	err = ps.WriteImage(4, []byte("y"), 2)
	assert.ErrorIs(t, err, common.ErrIOFailure)

	ps.SetFault(4, nil)
	img, _, err := ps.ReadImage(4)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), img)
}

func TestStore_SyncFailureSkipsPartition(t *testing.T) {
	dir := t.TempDir()
	ps := openStore(t, dir)

	require.NoError(t, ps.WriteImage(1, []byte("one"), 1))
	require.NoError(t, ps.WriteImage(2, []byte("two"), 2))
	// the next sync of partition 1 fails
	require.NoError(t, ps.parts[1].file.Close())

	failed, err := ps.Checkpoint(7)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, failed)
	assert.Equal(t, uint64(7), ps.CheckpointLSN())
	img, counter, err := ps.ReadImage(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), img)
	assert.Equal(t, uint64(2), counter)
	assert.Equal(t, []int{2}, ps.Partitions())

	// the fault sticks until the partition is dropped
	_, _, err = ps.ReadImage(1)
	assert.ErrorIs(t, err, common.ErrIOFailure)
	failed, err = ps.Checkpoint(8)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, failed)

	ps.DropPartition(1)
	require.NoError(t, ps.WriteImage(1, []byte("again"), 3))
	checkpoint(t, ps, 9)
	require.NoError(t, ps.Close())

	ps = openStore(t, dir)
	defer ps.Close()
	img, _, err = ps.ReadImage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), img)
	img, _, err = ps.ReadImage(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), img)
}

func TestStore_PageSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	ps := openStore(t, dir)
	require.NoError(t, ps.Close())

	_, err := Open(dir, 1024, common.MustInitLogger("off", "pagestore"))
	assert.Error(t, err)

	_, err = Open(t.TempDir(), 1000, common.MustInitLogger("off", "pagestore"))
	assert.Error(t, err)
}

func TestPartitionMeta_Msgp(t *testing.T) {
	meta := PartitionMeta{Chain: []uint32{3, 1, 2}, Next: 7, Free: []uint32{4}, Counter: 99}
	buf, err := meta.MarshalMsg(nil)
	require.NoError(t, err)
	var got PartitionMeta
	left, err := got.UnmarshalMsg(buf)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, meta, got)
	assert.Equal(t, uint32(3), got.Root())
}
