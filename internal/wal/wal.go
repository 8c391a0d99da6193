package wal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/pkv/internal/etc"
	"github.com/allen1211/pkv/pkg/common"
)

var (
	ErrLogFileFull             = errors.New("log file not enough space")
	ErrLogTooLong              = errors.New("log too long")
	ErrLogFileHeaderWrongMagic = errors.New("log file header magic not match")
	ErrClosed                  = errors.New("log file closed")
)

var (
	walAppends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "wal",
		Name:      "appends_total",
		Help:      "Records appended to the write-ahead log.",
	})
	walSyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "wal",
		Name:      "syncs_total",
		Help:      "fsync calls issued on the write-ahead log.",
	})
)

// FileHeaderSize is the reserved region at the start of the log file.
const FileHeaderSize = 4096

const (
	LogFileMagic   uint32 = 0x19283745
	LogHeaderMagic uint32 = 0x34761287
)

type Mode int

const (
	ModeLogOnly Mode = iota
	ModeFsync
	ModeBackground
)

func ParseMode(s string) Mode {
	switch s {
	case etc.WalModeFsync:
		return ModeFsync
	case etc.WalModeBackground:
		return ModeBackground
	default:
		return ModeLogOnly
	}
}

func (m Mode) String() string {
	switch m {
	case ModeFsync:
		return etc.WalModeFsync
	case ModeBackground:
		return etc.WalModeBackground
	}
	return etc.WalModeLogOnly
}

type LogFileHeader struct {
	Magic         uint32
	Reserve       uint32
	CheckpointLSN uint64
	Id            [16]byte
}

// LogHeader precedes every record body. CRC covers the body.
type LogHeader struct {
	Magic uint32
	CRC   uint32
	LSN   uint64
	Len   uint32
}

func SizeOfLogHeader() uint64 {
	return uint64(binary.Size(LogHeader{}))
}

// Record is one logged mutation; LSN is its position in the log.
type Record struct {
	LSN uint64
	common.Mutation
}

type Options struct {
	Capacity      uint64
	Mode          Mode
	FlushInterval time.Duration
}

// WAL is a fixed-capacity ring file. Space behind the checkpoint LSN is reused.
type WAL struct {
	log *logrus.Logger

	mu sync.Mutex

	Filename string
	Capacity uint64
	Id       uuid.UUID

	file     *os.File
	mode     Mode
	cpLSN    uint64
	writeLSN uint64
	dirty    bool
	closed   bool

	stopC chan struct{}
	doneC chan struct{}
}

func Open(filename string, opts Options, logger *logrus.Logger) (wal *WAL, err error) {
	wal = &WAL{
		log:      logger,
		Filename: filename,
		mode:     opts.Mode,
	}

	needInit := false
	if _, err := os.Stat(filename); err != nil {
		if !os.IsNotExist(err) {
			return nil, ioFailure(err)
		}
		needInit = true
	}

	if needInit {
		capacity := opts.Capacity
		if capacity%FileHeaderSize != 0 {
			capacity += FileHeaderSize - capacity%FileHeaderSize
		}
		wal.Capacity = capacity
		if wal.file, err = os.OpenFile(filename, os.O_RDWR|os.O_TRUNC|os.O_CREATE, 0644); err != nil {
			return nil, ioFailure(err)
		}
		if err = wal.file.Truncate(int64(wal.Capacity)); err != nil {
			wal.file.Close()
			return nil, ioFailure(err)
		}
		wal.Id = uuid.New()
		if err = wal.writeFileHeader(); err != nil {
			wal.file.Close()
			return nil, err
		}
		wal.log.Infof("WAL: created %s id=%s capacity=%d mode=%s", filename, wal.Id, wal.Capacity, wal.mode)
	} else {
		if wal.file, err = os.OpenFile(filename, os.O_RDWR, 0644); err != nil {
			return nil, ioFailure(err)
		}
		stat, err := wal.file.Stat()
		if err != nil {
			wal.file.Close()
			return nil, ioFailure(err)
		}
		wal.Capacity = uint64(stat.Size())
		if err := wal.recover(); err != nil {
			wal.file.Close()
			return nil, err
		}
	}

	if wal.mode == ModeBackground && opts.FlushInterval > 0 {
		wal.stopC = make(chan struct{})
		wal.doneC = make(chan struct{})
		go wal.flusher(opts.FlushInterval)
	}
	return wal, nil
}

func (wal *WAL) recover() error {
	buf := make([]byte, binary.Size(LogFileHeader{}))
	if _, err := wal.file.ReadAt(buf, 0); err != nil {
		return ioFailure(err)
	}
	header := LogFileHeader{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &header); err != nil {
		return err
	}
	if header.Magic != LogFileMagic {
		return ErrLogFileHeaderWrongMagic
	}
	wal.cpLSN = header.CheckpointLSN
	wal.Id = uuid.UUID(header.Id)
	wal.log.Infof("WAL Recover: header recover finish, id=%s cpLSN=%d", wal.Id, wal.cpLSN)

	// scan up to the last intact record; anything after it is a torn tail
	cursor := &Cursor{wal: wal, lsn: wal.cpLSN, end: wal.cpLSN + wal.trueCapacity()}
	n := 0
	for {
		_, ok, err := cursor.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n++
	}
	wal.writeLSN = cursor.lsn
	wal.log.Infof("WAL Recover: log scanning finish, %d records, writeLSN=%d", n, wal.writeLSN)
	return nil
}

func (wal *WAL) writeFileHeader() error {
	header := LogFileHeader{
		Magic:         LogFileMagic,
		CheckpointLSN: wal.cpLSN,
		Id:            wal.Id,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := wal.file.WriteAt(buf.Bytes(), 0); err != nil {
		wal.log.Errorf("WAL: failed to write log file header to file: %v", err)
		return ioFailure(err)
	}
	return wal.syncLocked()
}

// Append logs one mutation and returns its LSN.
func (wal *WAL) Append(m *common.Mutation) (uint64, error) {
	body := common.AppendMutation(nil, m)

	wal.mu.Lock()
	defer wal.mu.Unlock()

	if wal.closed {
		return wal.writeLSN, ErrClosed
	}

	header := LogHeader{
		Magic: LogHeaderMagic,
		CRC:   crc32.ChecksumIEEE(body),
		LSN:   wal.writeLSN,
		Len:   uint32(len(body)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, int(SizeOfLogHeader())+len(body)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return wal.writeLSN, err
	}
	buf.Write(body)

	length := uint64(buf.Len())
	if length > wal.trueCapacity() {
		return wal.writeLSN, ErrLogTooLong
	}
	if length > wal.remain() {
		return wal.writeLSN, ErrLogFileFull
	}

	if err := wal.doWrite(buf.Bytes(), wal.lsn2ofs(wal.writeLSN)); err != nil {
		return wal.writeLSN, ioFailure(err)
	}
	if wal.mode == ModeFsync {
		if err := wal.syncLocked(); err != nil {
			return wal.writeLSN, err
		}
	} else {
		wal.dirty = true
	}

	lsn := wal.writeLSN
	wal.writeLSN += length
	walAppends.Inc()

	wal.log.Tracef("WAL append log at lsn(%d) length(%d) partition(%d) counter(%d)", lsn, length, m.Partition, m.Counter)
	return lsn, nil
}

// Checkpoint marks everything before lsn as reflected in the page store.
func (wal *WAL) Checkpoint(lsn uint64) error {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	if lsn <= wal.cpLSN {
		wal.log.Debugf("WAL Checkpoint: lsn(%d) <= cpLSN %d, no need to checkpoint", lsn, wal.cpLSN)
		return nil
	}
	if lsn > wal.writeLSN {
		return errors.Errorf("checkpoint lsn %d beyond writeLSN %d", lsn, wal.writeLSN)
	}
	prev := wal.cpLSN
	wal.cpLSN = lsn
	if err := wal.writeFileHeader(); err != nil {
		wal.cpLSN = prev
		return err
	}
	wal.log.Infof("WAL Checkpoint: cpLSN advance %d -> %d, writeLSN=%d, remain=%d", prev, lsn, wal.writeLSN, wal.remain())
	return nil
}

// Replay iterates records from fromLSN (clamped to the checkpoint) up to the current tail.
func (wal *WAL) Replay(fromLSN uint64) *Cursor {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	if fromLSN < wal.cpLSN {
		fromLSN = wal.cpLSN
	}
	return &Cursor{wal: wal, lsn: fromLSN, end: wal.writeLSN}
}

func (wal *WAL) Sync() error {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	return wal.syncLocked()
}

func (wal *WAL) syncLocked() error {
	if err := wal.file.Sync(); err != nil {
		return ioFailure(err)
	}
	wal.dirty = false
	walSyncs.Inc()
	return nil
}

func (wal *WAL) flusher(interval time.Duration) {
	defer close(wal.doneC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-wal.stopC:
			return
		case <-ticker.C:
			wal.mu.Lock()
			if wal.dirty && !wal.closed {
				if err := wal.syncLocked(); err != nil {
					wal.log.Errorf("WAL background flush: %v", err)
				}
			}
			wal.mu.Unlock()
		}
	}
}

func (wal *WAL) WriteLSN() uint64 {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	return wal.writeLSN
}

func (wal *WAL) CheckpointLSN() uint64 {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	return wal.cpLSN
}

func (wal *WAL) Remain() uint64 {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	return wal.remain()
}

func (wal *WAL) Close() error {
	wal.mu.Lock()
	if wal.closed {
		wal.mu.Unlock()
		return nil
	}
	wal.closed = true
	err := wal.file.Sync()
	wal.mu.Unlock()

	if wal.stopC != nil {
		close(wal.stopC)
		<-wal.doneC
	}
	if cerr := wal.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (wal *WAL) doWrite(buf []byte, ofs int64) error {
	endOfs := int64(wal.Capacity)
	length := int64(len(buf))

	if ofs+length > endOfs {
		cutLen := endOfs - ofs
		if _, err := wal.file.WriteAt(buf[:cutLen], ofs); err != nil {
			return err
		}
		return wal.doWrite(buf[cutLen:], FileHeaderSize)
	}
	_, err := wal.file.WriteAt(buf, ofs)
	return err
}

func (wal *WAL) doRead(buf []byte, ofs int64) error {
	endOfs := int64(wal.Capacity)
	length := int64(len(buf))

	if ofs+length > endOfs {
		cutLen := endOfs - ofs
		if _, err := wal.file.ReadAt(buf[:cutLen], ofs); err != nil {
			return err
		}
		return wal.doRead(buf[cutLen:], FileHeaderSize)
	}
	_, err := wal.file.ReadAt(buf, ofs)
	return err
}

func (wal *WAL) remain() uint64 {
	return wal.trueCapacity() - (wal.writeLSN - wal.cpLSN)
}

func (wal *WAL) trueCapacity() uint64 {
	return wal.Capacity - FileHeaderSize
}

func (wal *WAL) lsn2ofs(lsn uint64) int64 {
	return int64(FileHeaderSize + lsn%wal.trueCapacity())
}

func ioFailure(err error) error {
	return errors.Wrapf(common.ErrIOFailure, "wal: %v", err)
}
