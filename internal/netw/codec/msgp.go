package codec

import (
	"github.com/Allen1211/msgp/msgp"
	"github.com/pkg/errors"
)

type MsgpCodec struct {
}

func (c *MsgpCodec) Decode(data []byte, i interface{}) error {
	u, ok := i.(msgp.Unmarshaler)
	if !ok {
		return errors.Errorf("%T is not msgp.Unmarshaler", i)
	}
	left, err := u.UnmarshalMsg(data)
	if err != nil {
		return err
	}
	if len(left) != 0 {
		return errors.Errorf("%T: %d trailing bytes", i, len(left))
	}
	return nil
}

func (c *MsgpCodec) Encode(i interface{}) ([]byte, error) {
	m, ok := i.(msgp.Marshaler)
	if !ok {
		return nil, errors.Errorf("%T is not msgp.Marshaler", i)
	}
	return m.MarshalMsg(nil)
}
