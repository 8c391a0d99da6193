package pagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/pkv/pkg/common"
	"github.com/allen1211/pkv/pkg/common/utils"
)

const PartitionFileName = "part-%d.bin"

var (
	pageWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "pagestore",
		Name:      "page_writes_total",
		Help:      "Pages written to partition files.",
	})
	checkpoints = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "pagestore",
		Name:      "checkpoints_total",
		Help:      "Committed page store checkpoints.",
	})
)

type partitionFiles struct {
	file      *os.File
	committed PartitionMeta
	// staged chain replaces committed.Chain at the next checkpoint
	staged      []uint32
	hasStaged   bool
	dropped     bool
	pendingFree []uint32
	dirty       bool
	fault       error
	syncFault   error
}

// Store is a set of page files, one per partition, plus a leveldb page directory.
// Writes become durable only once Checkpoint returns.
type Store struct {
	mu       sync.Mutex
	log      *logrus.Logger
	dir      string
	pageSize int
	meta     *MetaStore
	parts    map[int]*partitionFiles
	cpLSN    uint64
}

func Open(dir string, pageSize int, logger *logrus.Logger) (*Store, error) {
	if pageSize < 512 || pageSize&(pageSize-1) != 0 {
		return nil, errors.Errorf("invalid page size %d", pageSize)
	}
	if err := utils.CheckAndMkdir(filepath.Join(dir, "pages")); err != nil {
		return nil, ioFailure(-1, err)
	}
	meta, err := MakeMetaStore(filepath.Join(dir, "meta"))
	if err != nil {
		return nil, ioFailure(-1, err)
	}
	ps := &Store{
		log:      logger,
		dir:      dir,
		pageSize: pageSize,
		meta:     meta,
		parts:    make(map[int]*partitionFiles),
	}

	stored, err := meta.GetUint64(KeyPageSize)
	if err != nil {
		meta.Close()
		return nil, ioFailure(-1, err)
	}
	if stored == 0 {
		batch := meta.Batch()
		batch.PutUint64(KeyPageSize, uint64(pageSize))
		if err := batch.Execute(); err != nil {
			meta.Close()
			return nil, ioFailure(-1, err)
		}
	} else if int(stored) != pageSize {
		meta.Close()
		return nil, errors.Errorf("page size %d does not match stored page size %d", pageSize, stored)
	}

	if ps.cpLSN, err = meta.GetUint64(KeyCheckpointLSN); err != nil {
		meta.Close()
		return nil, ioFailure(-1, err)
	}
	metas, err := meta.Partitions()
	if err != nil {
		meta.Close()
		return nil, ioFailure(-1, err)
	}
	for pid, m := range metas {
		ps.parts[pid] = &partitionFiles{committed: *m}
	}
	ps.log.Infof("PageStore: opened %s, pageSize=%d, cpLSN=%d, %d partitions", dir, pageSize, ps.cpLSN, len(metas))
	return ps, nil
}

func (ps *Store) PageSize() int {
	return ps.pageSize
}

// CheckpointLSN is the WAL watermark of the last committed checkpoint.
func (ps *Store) CheckpointLSN() uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.cpLSN
}

// Partitions lists the partitions with a committed image.
func (ps *Store) Partitions() []int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	res := make([]int, 0, len(ps.parts))
	for pid, pf := range ps.parts {
		if len(pf.committed.Chain) > 0 {
			res = append(res, pid)
		}
	}
	sort.Ints(res)
	return res
}

func (ps *Store) ReadPage(pid int, pageId uint32) (*Page, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.readPage(pid, pageId)
}

func (ps *Store) readPage(pid int, pageId uint32) (*Page, error) {
	pf, err := ps.partition(pid)
	if err != nil {
		return nil, err
	}
	if pageId == 0 || pageId >= pf.committed.Next {
		return nil, errors.Errorf("partition %d: page %d not allocated", pid, pageId)
	}
	buf := make([]byte, ps.pageSize)
	if _, err := pf.file.ReadAt(buf, int64(pageId)*int64(ps.pageSize)); err != nil {
		return nil, ps.fail(pid, pf, err)
	}
	return decodePage(pid, pageId, buf)
}

func (ps *Store) WritePage(pid int, page *Page) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.writePage(pid, page)
}

func (ps *Store) writePage(pid int, page *Page) error {
	pf, err := ps.partition(pid)
	if err != nil {
		return err
	}
	if page.Id == 0 || page.Id >= pf.committed.Next {
		return errors.Errorf("partition %d: page %d not allocated", pid, page.Id)
	}
	buf, err := encodePage(pid, page, ps.pageSize)
	if err != nil {
		return err
	}
	if _, err := pf.file.WriteAt(buf, int64(page.Id)*int64(ps.pageSize)); err != nil {
		return ps.fail(pid, pf, err)
	}
	pf.dirty = true
	pageWrites.Inc()
	return nil
}

// AllocatePage hands out a page not referenced by the committed image.
func (ps *Store) AllocatePage(pid int) (uint32, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.allocatePage(pid)
}

func (ps *Store) allocatePage(pid int) (uint32, error) {
	pf, err := ps.partition(pid)
	if err != nil {
		return 0, err
	}
	if n := len(pf.committed.Free); n > 0 {
		pageId := pf.committed.Free[n-1]
		pf.committed.Free = pf.committed.Free[:n-1]
		return pageId, nil
	}
	if pf.committed.Next == 0 {
		pf.committed.Next = 1
	}
	pageId := pf.committed.Next
	pf.committed.Next++
	return pageId, nil
}

// FreePage returns a page to the free list once the next checkpoint commits.
func (ps *Store) FreePage(pid int, pageId uint32) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if pf, ok := ps.parts[pid]; ok {
		pf.pendingFree = append(pf.pendingFree, pageId)
	}
}

// WriteImage stores data as a chain of pages that becomes the partition's image
// at the next checkpoint.
func (ps *Store) WriteImage(pid int, data []byte, counter uint64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pf, err := ps.partition(pid)
	if err != nil {
		return err
	}
	// an uncommitted chain is referenced by nothing durable
	if pf.hasStaged {
		pf.committed.Free = append(pf.committed.Free, pf.staged...)
	}

	capacity := ps.pageSize - PageHeaderSize
	n := (len(data) + capacity - 1) / capacity
	if n == 0 {
		n = 1
	}
	chain := make([]uint32, n)
	for i := range chain {
		if chain[i], err = ps.allocatePage(pid); err != nil {
			return err
		}
	}
	for i, pageId := range chain {
		page := &Page{Id: pageId}
		if i+1 < n {
			page.Next = chain[i+1]
		}
		lo, hi := i*capacity, (i+1)*capacity
		if hi > len(data) {
			hi = len(data)
		}
		page.Data = data[lo:hi]
		if err := ps.writePage(pid, page); err != nil {
			return err
		}
	}
	pf.staged = chain
	pf.hasStaged = true
	pf.dropped = false
	pf.committed.Counter = counter
	return nil
}

// ReadImage returns the committed image of a partition, nil if there is none.
func (ps *Store) ReadImage(pid int) ([]byte, uint64, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pf, ok := ps.parts[pid]
	if !ok || len(pf.committed.Chain) == 0 {
		return nil, 0, nil
	}
	var data []byte
	pageId := pf.committed.Root()
	for i := 0; pageId != 0; i++ {
		if i >= len(pf.committed.Chain) || pf.committed.Chain[i] != pageId {
			return nil, 0, errors.Wrapf(ErrPageCorrupted, "partition %d: chain diverges at page %d", pid, pageId)
		}
		page, err := ps.readPage(pid, pageId)
		if err != nil {
			return nil, 0, err
		}
		data = append(data, page.Data...)
		pageId = page.Next
	}
	return data, pf.committed.Counter, nil
}

// DropPartition discards the partition image at the next checkpoint.
func (ps *Store) DropPartition(pid int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	pf, ok := ps.parts[pid]
	if !ok {
		return
	}
	ps.drop(pf)
	pf.fault = nil
}

func (ps *Store) drop(pf *partitionFiles) {
	if pf.hasStaged {
		pf.committed.Free = append(pf.committed.Free, pf.staged...)
	}
	pf.staged = nil
	pf.hasStaged = true
	pf.dropped = true
}

// Checkpoint syncs every dirty partition file and atomically commits the page
// directory together with the WAL watermark lsn. A partition whose file cannot be
// synced, or that already failed, is committed without an image and returned in
// failed; the others are checkpointed regardless. err reports a failure of the
// directory itself, in which case nothing was committed.
func (ps *Store) Checkpoint(lsn uint64) (failed []int, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for pid, pf := range ps.parts {
		if pf.fault == nil && pf.dirty && pf.file != nil {
			if err := pf.sync(); err != nil {
				_ = ps.fail(pid, pf, err)
			} else {
				pf.dirty = false
			}
		}
		if pf.fault != nil {
			// its pages may not hold what the directory says
			ps.drop(pf)
			failed = append(failed, pid)
		}
	}
	sort.Ints(failed)

	batch := ps.meta.Batch()
	type commit struct {
		pf   *partitionFiles
		meta PartitionMeta
	}
	var commits []commit
	for pid, pf := range ps.parts {
		if !pf.hasStaged && len(pf.pendingFree) == 0 {
			continue
		}
		next := pf.committed
		next.Free = append([]uint32(nil), pf.committed.Free...)
		next.Free = append(next.Free, pf.pendingFree...)
		if pf.hasStaged {
			next.Free = append(next.Free, pf.committed.Chain...)
			next.Chain = pf.staged
		}
		if pf.dropped {
			next.Counter = 0
		}
		batch.PutPartition(pid, &next)
		commits = append(commits, commit{pf: pf, meta: next})
	}
	batch.PutUint64(KeyCheckpointLSN, lsn)
	if err := batch.Execute(); err != nil {
		return failed, ioFailure(-1, err)
	}

	for _, c := range commits {
		c.pf.committed = c.meta
		c.pf.staged = nil
		c.pf.hasStaged = false
		c.pf.dropped = false
		c.pf.pendingFree = nil
	}
	ps.cpLSN = lsn
	checkpoints.Inc()
	ps.log.Debugf("PageStore: checkpoint committed at lsn %d, %d partitions changed, %d failed", lsn, len(commits), len(failed))
	return failed, nil
}

// SetFault makes every later access to pid fail with an I/O error; nil clears it.
func (ps *Store) SetFault(pid int, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	pf, ok := ps.parts[pid]
	if !ok {
		pf = &partitionFiles{}
		ps.parts[pid] = pf
	}
	pf.fault = err
}

// SetSyncFault makes the next sync of pid fail with err.
func (ps *Store) SetSyncFault(pid int, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	pf, ok := ps.parts[pid]
	if !ok {
		pf = &partitionFiles{}
		ps.parts[pid] = pf
	}
	pf.syncFault = err
}

func (pf *partitionFiles) sync() error {
	if err := pf.syncFault; err != nil {
		pf.syncFault = nil
		return err
	}
	return pf.file.Sync()
}

// FileSize is the size of the page files plus the page directory.
func (ps *Store) FileSize() int64 {
	return utils.SizeOfDir(filepath.Join(ps.dir, "pages")) + ps.meta.FileSize()
}

func (ps *Store) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, pf := range ps.parts {
		if pf.file != nil {
			pf.file.Close()
			pf.file = nil
		}
	}
	return ps.meta.Close()
}

func (ps *Store) partition(pid int) (*partitionFiles, error) {
	pf, ok := ps.parts[pid]
	if !ok {
		pf = &partitionFiles{}
		ps.parts[pid] = pf
	}
	if pf.fault != nil {
		return nil, ioFailure(pid, pf.fault)
	}
	if pf.file == nil {
		path := filepath.Join(ps.dir, "pages", fmt.Sprintf(PartitionFileName, pid))
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, ioFailure(pid, err)
		}
		pf.file = file
	}
	return pf, nil
}

// fail records err as the fault of pid; every later access fails until the
// partition is dropped.
func (ps *Store) fail(pid int, pf *partitionFiles, err error) error {
	ps.log.Errorf("PageStore: partition %d I/O failure: %v", pid, err)
	if pf.fault == nil {
		pf.fault = err
	}
	// reopened once the partition is dropped
	if pf.file != nil {
		_ = pf.file.Close()
		pf.file = nil
	}
	pf.dirty = false
	return ioFailure(pid, err)
}

func ioFailure(pid int, err error) error {
	if pid < 0 {
		return errors.Wrapf(common.ErrIOFailure, "page store: %v", err)
	}
	return errors.Wrapf(common.ErrIOFailure, "page store partition %d: %v", pid, err)
}
