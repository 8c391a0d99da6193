package wal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/allen1211/pkv/pkg/common"
)

// Cursor iterates log records lazily. Iteration stops at the first record whose
// header, length or checksum does not check out.
type Cursor struct {
	wal  *WAL
	lsn  uint64
	end  uint64
	done bool
}

// Next returns the next intact record; ok is false once the log ends.
func (c *Cursor) Next() (rec Record, ok bool, err error) {
	if c.done {
		return rec, false, nil
	}
	hdrSize := SizeOfLogHeader()
	if c.lsn+hdrSize > c.end {
		c.done = true
		return rec, false, nil
	}

	c.wal.mu.Lock()
	defer c.wal.mu.Unlock()

	if c.wal.closed {
		return rec, false, ErrClosed
	}

	hbuf := make([]byte, hdrSize)
	if err := c.wal.doRead(hbuf, c.wal.lsn2ofs(c.lsn)); err != nil {
		return rec, false, ioFailure(err)
	}
	header := LogHeader{}
	if err := binary.Read(bytes.NewReader(hbuf), binary.LittleEndian, &header); err != nil {
		return rec, false, err
	}
	if header.Magic != LogHeaderMagic || header.LSN != c.lsn || c.lsn+hdrSize+uint64(header.Len) > c.end {
		c.done = true
		return rec, false, nil
	}

	body := make([]byte, header.Len)
	if err := c.wal.doRead(body, c.wal.lsn2ofs(c.lsn+hdrSize)); err != nil {
		return rec, false, ioFailure(err)
	}
	if crc32.ChecksumIEEE(body) != header.CRC {
		c.done = true
		return rec, false, nil
	}
	m := common.Mutation{}
	if left, err := common.ReadMutation(body, &m); err != nil || len(left) != 0 {
		c.done = true
		return rec, false, nil
	}

	rec = Record{LSN: c.lsn, Mutation: m}
	c.lsn += hdrSize + uint64(header.Len)
	return rec, true, nil
}

// LSN is the position the cursor will read next.
func (c *Cursor) LSN() uint64 {
	return c.lsn
}
