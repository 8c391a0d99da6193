package netw

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/allen1211/pkv/internal/netw/codec"
	"github.com/allen1211/pkv/pkg/common"
)

var ErrUnreachable = errors.New("address unreachable")

var localCodec = &codec.MsgpCodec{}

// LocalNetwork connects servers and clients of one process. Every call is
// encoded and decoded as it would be on the wire, and may be delayed, dropped
// or delivered twice to imitate an unreliable network.
type LocalNetwork struct {
	mu      sync.RWMutex
	servers map[string]*LocalServer
	down    map[string]bool

	maxDelay time.Duration
	dropRate int
	dupRate  int

	tsr *common.ThreadSafeRand
}

func MakeLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		servers: make(map[string]*LocalServer),
		down:    make(map[string]bool),
		tsr:     common.MakeThreadSafeRand(time.Now().UnixNano()),
	}
}

// SetUnreliable delays every call by up to maxDelay, drops dropRate percent of
// calls (request or reply) and executes dupRate percent of requests twice.
func (ln *LocalNetwork) SetUnreliable(maxDelay time.Duration, dropRate, dupRate int) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.maxDelay = maxDelay
	ln.dropRate = dropRate
	ln.dupRate = dupRate
}

// Disconnect makes addr unreachable in both directions until Connect.
func (ln *LocalNetwork) Disconnect(addr string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.down[addr] = true
}

func (ln *LocalNetwork) Connect(addr string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	delete(ln.down, addr)
}

func (ln *LocalNetwork) MakeServer(name, addr string) Server {
	return &LocalServer{
		net:   ln,
		Name:  name,
		Addr:  addr,
		objs:  make(map[string]reflect.Value),
		stopC: make(chan struct{}),
	}
}

func (ln *LocalNetwork) MakeClient(name, addr string) Client {
	return &LocalClient{net: ln, Name: name, Addr: addr}
}

func (ln *LocalNetwork) lookup(addr string) (*LocalServer, bool) {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	if ln.down[addr] {
		return nil, false
	}
	s, ok := ln.servers[addr]
	return s, ok
}

func (ln *LocalNetwork) faults() (time.Duration, int, int) {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	return ln.maxDelay, ln.dropRate, ln.dupRate
}

type LocalServer struct {
	net  *LocalNetwork
	Name string
	Addr string

	mu    sync.RWMutex
	objs  map[string]reflect.Value
	once  sync.Once
	stopC chan struct{}
}

// Register makes obj reachable at the server address immediately.
func (s *LocalServer) Register(name string, obj interface{}) error {
	s.mu.Lock()
	s.objs[name] = reflect.ValueOf(obj)
	s.mu.Unlock()

	s.net.mu.Lock()
	s.net.servers[s.Addr] = s
	s.net.mu.Unlock()
	return nil
}

// Start blocks until Stop, like a listening rpcx server.
func (s *LocalServer) Start() error {
	<-s.stopC
	return nil
}

func (s *LocalServer) Stop() {
	s.once.Do(func() {
		s.net.mu.Lock()
		if s.net.servers[s.Addr] == s {
			delete(s.net.servers, s.Addr)
		}
		s.net.mu.Unlock()
		close(s.stopC)
	})
}

func (s *LocalServer) method(service, method string) (reflect.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objs[service]
	if !ok {
		return reflect.Value{}, false
	}
	m := obj.MethodByName(method)
	return m, m.IsValid()
}

type LocalClient struct {
	net  *LocalNetwork
	Name string
	Addr string
}

func (c *LocalClient) Call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	maxDelay, dropRate, dupRate := c.net.faults()

	if maxDelay > 0 {
		select {
		case <-time.After(time.Duration(c.net.tsr.Intn(int(maxDelay)))):
		case <-ctx.Done():
			return errors.Wrapf(common.ErrRemoteFailed, "%s.%s: %v", c.Name, method, ctx.Err())
		}
	}
	if dropRate > 0 && c.net.tsr.Intn(100) < dropRate {
		return errors.Wrapf(common.ErrRemoteFailed, "%s.%s: request dropped", c.Name, method)
	}

	s, ok := c.net.lookup(c.Addr)
	if !ok {
		return errors.Wrapf(common.ErrRemoteFailed, "%s.%s@%s: %v", c.Name, method, c.Addr, ErrUnreachable)
	}
	fn, ok := s.method(c.Name, method)
	if !ok {
		return errors.Wrapf(common.ErrRemoteFailed, "%s.%s: no such method", c.Name, method)
	}

	data, err := localCodec.Encode(args)
	if err != nil {
		return err
	}
	if dupRate > 0 && c.net.tsr.Intn(100) < dupRate {
		if _, err := invoke(ctx, fn, data); err != nil {
			return err
		}
	}
	out, err := invoke(ctx, fn, data)
	if err != nil {
		return errors.Wrapf(common.ErrRemoteFailed, "%s.%s: %v", c.Name, method, err)
	}

	if dropRate > 0 && c.net.tsr.Intn(100) < dropRate {
		return errors.Wrapf(common.ErrRemoteFailed, "%s.%s: reply dropped", c.Name, method)
	}
	if _, ok := c.net.lookup(c.Addr); !ok {
		return errors.Wrapf(common.ErrRemoteFailed, "%s.%s@%s: %v", c.Name, method, c.Addr, ErrUnreachable)
	}
	return localCodec.Decode(out, reply)
}

func (c *LocalClient) Close() {}

func invoke(ctx context.Context, fn reflect.Value, data []byte) ([]byte, error) {
	ft := fn.Type()
	args := reflect.New(ft.In(1).Elem())
	if err := localCodec.Decode(data, args.Interface()); err != nil {
		return nil, err
	}
	reply := reflect.New(ft.In(2).Elem())
	res := fn.Call([]reflect.Value{reflect.ValueOf(ctx), args, reply})
	if err, _ := res[0].Interface().(error); err != nil {
		return nil, err
	}
	return localCodec.Encode(reply.Interface())
}
