package pagestore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

const PageMagic uint32 = 0x50414745

// PageHeaderSize is the encoded size of PageHeader.
const PageHeaderSize = 24

var (
	ErrPageCorrupted = errors.New("page corrupted")
	ErrPageTooLarge  = errors.New("page payload exceeds page size")
)

type PageHeader struct {
	Magic     uint32
	Partition uint32
	PageId    uint32
	Next      uint32
	Len       uint32
	CRC       uint32
}

// Page is one fixed-size unit of a partition file. Next links image chains.
type Page struct {
	Id   uint32
	Next uint32
	Data []byte
}

func encodePage(pid int, page *Page, pageSize int) ([]byte, error) {
	if len(page.Data) > pageSize-PageHeaderSize {
		return nil, ErrPageTooLarge
	}
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(buf[0:], PageMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(pid))
	binary.LittleEndian.PutUint32(buf[8:], page.Id)
	binary.LittleEndian.PutUint32(buf[12:], page.Next)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(page.Data)))
	binary.LittleEndian.PutUint32(buf[20:], crc32.ChecksumIEEE(page.Data))
	copy(buf[PageHeaderSize:], page.Data)
	return buf, nil
}

func decodePage(pid int, pageId uint32, buf []byte) (*Page, error) {
	header := PageHeader{
		Magic:     binary.LittleEndian.Uint32(buf[0:]),
		Partition: binary.LittleEndian.Uint32(buf[4:]),
		PageId:    binary.LittleEndian.Uint32(buf[8:]),
		Next:      binary.LittleEndian.Uint32(buf[12:]),
		Len:       binary.LittleEndian.Uint32(buf[16:]),
		CRC:       binary.LittleEndian.Uint32(buf[20:]),
	}
	if header.Magic != PageMagic || header.Partition != uint32(pid) || header.PageId != pageId {
		return nil, errors.Wrapf(ErrPageCorrupted, "partition %d page %d: bad header", pid, pageId)
	}
	if int(header.Len) > len(buf)-PageHeaderSize {
		return nil, errors.Wrapf(ErrPageCorrupted, "partition %d page %d: bad length %d", pid, pageId, header.Len)
	}
	data := buf[PageHeaderSize : PageHeaderSize+int(header.Len)]
	if crc32.ChecksumIEEE(data) != header.CRC {
		return nil, errors.Wrapf(ErrPageCorrupted, "partition %d page %d: checksum mismatch", pid, pageId)
	}
	return &Page{Id: pageId, Next: header.Next, Data: data}, nil
}
