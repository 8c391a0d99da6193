package netw

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	rpcx_client "github.com/smallnest/rpcx/client"
	"github.com/smallnest/rpcx/log"
	"github.com/smallnest/rpcx/protocol"
	"github.com/smallnest/rpcx/server"
	"github.com/smallnest/rpcx/share"

	"github.com/allen1211/pkv/internal/netw/codec"
	"github.com/allen1211/pkv/pkg/common"
)

const SerializeMsgp = protocol.SerializeType(5)

func init() {

	log.SetDummyLogger()

	share.Codecs[SerializeMsgp] = &codec.MsgpCodec{}
}

var unreliablePercentage int32

// SetUnreliable makes the given percentage of rpcx calls fail after a delay.
func SetUnreliable(percentage int) {
	atomic.StoreInt32(&unreliablePercentage, int32(percentage))
}

type RpcxNetwork struct{}

func (RpcxNetwork) MakeServer(name, addr string) Server {
	return MakeRpcxServer(name, addr)
}

func (RpcxNetwork) MakeClient(name, addr string) Client {
	return MakeRPCEnd(name, addr)
}

type RpcxServer struct {
	Name string
	Addr string

	serv *server.Server
}

func MakeRpcxServer(name, addr string) *RpcxServer {
	s := server.NewServer()
	return &RpcxServer{
		Name: name,
		Addr: addr,
		serv: s,
	}
}

func (s *RpcxServer) Register(name string, obj interface{}) error {
	return s.serv.RegisterName(name, obj, "")
}

func (s *RpcxServer) Start() error {
	return s.serv.Serve("tcp", s.Addr)
}

func (s *RpcxServer) Stop() {
	_ = s.serv.Close()
}

type ClientEnd struct {
	Name string
	Addr string

	client rpcx_client.XClient
	err    error

	tsr *common.ThreadSafeRand
}

func MakeRPCEnd(name, addr string) *ClientEnd {
	ce := &ClientEnd{
		Name: name,
		Addr: addr,
		tsr:  common.MakeThreadSafeRand(time.Now().UnixNano()),
	}
	d, err := rpcx_client.NewPeer2PeerDiscovery("tcp@"+addr, "")
	if err != nil {
		ce.err = err
		return ce
	}
	option := rpcx_client.DefaultOption
	option.SerializeType = SerializeMsgp
	ce.client = rpcx_client.NewXClient(name, rpcx_client.Failfast, rpcx_client.RoundRobin, d, option)

	return ce
}

func (ce *ClientEnd) Call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	if ce.client == nil {
		return errors.Wrapf(common.ErrRemoteFailed, "%s@%s: %v", ce.Name, ce.Addr, ce.err)
	}
	if p := atomic.LoadInt32(&unreliablePercentage); p > 0 {
		if ce.tsr.Intn(100) < int(p) {
			time.Sleep(ce.tsr.Jitter(100 * time.Millisecond))
			return errors.Wrapf(common.ErrRemoteFailed, "%s.%s: dropped", ce.Name, method)
		}
	}

	if err := ce.client.Call(ctx, method, args, reply); err != nil {
		return errors.Wrapf(common.ErrRemoteFailed, "%s.%s@%s: %v", ce.Name, method, ce.Addr, err)
	}
	return nil
}

func (ce *ClientEnd) Close() {
	if ce.client != nil {
		ce.client.Close()
	}
}
