package partition

import (
	"github.com/Allen1211/msgp/msgp"
	"github.com/pkg/errors"
)

// MarshalImage encodes the partition including tombstones and the horizon, so
// that WAL replay on top of the image behaves exactly as it did before the crash.
func (p *Partition) MarshalImage() []byte {
	b := make([]byte, 0, 64+p.bytes+int64(len(p.entries))*16)
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendUint64(b, p.counter)
	b = msgp.AppendUint64(b, p.horizon)
	b = msgp.AppendArrayHeader(b, uint32(len(p.entries)))
	for _, e := range p.entries {
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendString(b, e.Key)
		if e.Removed {
			b = msgp.AppendNil(b)
		} else {
			b = msgp.AppendBytes(b, e.Value)
		}
		b = msgp.AppendUint64(b, e.Counter)
	}
	return b
}

// LoadImage replaces the partition contents with a decoded image.
func (p *Partition) LoadImage(b []byte) error {
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return err
	}
	if sz != 3 {
		return msgp.ArrayError{Wanted: 3, Got: sz}
	}
	p.Reset()
	if p.counter, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return err
	}
	if p.horizon, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return err
	}
	if sz, o, err = msgp.ReadArrayHeaderBytes(o); err != nil {
		return err
	}
	for i := uint32(0); i < sz; i++ {
		var n uint32
		if n, o, err = msgp.ReadArrayHeaderBytes(o); err != nil {
			return err
		}
		if n != 3 {
			return msgp.ArrayError{Wanted: 3, Got: n}
		}
		e := &Entry{}
		if e.Key, o, err = msgp.ReadStringBytes(o); err != nil {
			return err
		}
		if msgp.IsNil(o) {
			if o, err = msgp.ReadNilBytes(o); err != nil {
				return err
			}
			e.Removed = true
			p.tombstones++
		} else {
			if e.Value, o, err = msgp.ReadBytesBytes(o, nil); err != nil {
				return err
			}
			if e.Value == nil {
				e.Value = []byte{}
			}
			p.bytes += int64(len(e.Key) + len(e.Value))
		}
		if e.Counter, o, err = msgp.ReadUint64Bytes(o); err != nil {
			return err
		}
		p.entries[e.Key] = e
	}
	if len(o) != 0 {
		return errors.Errorf("partition image: %d trailing bytes", len(o))
	}
	return nil
}
