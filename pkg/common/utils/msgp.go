package utils

import (
	"github.com/Allen1211/msgp/msgp"
	"github.com/pkg/errors"
)

func MsgpEncode(m msgp.Marshaler) []byte {
	buf, err := m.MarshalMsg(nil)
	if err != nil {
		panic(err)
	}
	return buf
}

func MsgpDecode(data []byte, u msgp.Unmarshaler) error {
	left, err := u.UnmarshalMsg(data)
	if err != nil {
		return err
	}
	if len(left) != 0 {
		return errors.Errorf("msgp decode: %d trailing bytes", len(left))
	}
	return nil
}
