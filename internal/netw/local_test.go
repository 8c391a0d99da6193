package netw

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/pkv/pkg/common"
)

type echoService struct {
	calls int32
}

func (e *echoService) Get(ctx context.Context, args *common.GetArgs, reply *common.GetReply) error {
	atomic.AddInt32(&e.calls, 1)
	reply.Err = common.OK
	reply.NodeId = args.From
	reply.Found = true
	reply.Value = []byte(args.Key)
	return nil
}

func TestLocalNetwork_Call(t *testing.T) {
	ln := MakeLocalNetwork()
	svc := &echoService{}
	srv := ln.MakeServer(ServiceNode, "n1")
	require.NoError(t, srv.Register(ServiceNode, svc))
	go srv.Start()
	defer srv.Stop()

	cli := ln.MakeClient(ServiceNode, "n1")
	args := common.GetArgs{BaseArgs: common.BaseArgs{From: 7}, Key: "hello"}
	reply := common.GetReply{}
	require.NoError(t, cli.Call(context.Background(), ApiGet, &args, &reply))
	assert.Equal(t, common.OK, reply.Err)
	assert.Equal(t, 7, reply.NodeId)
	assert.Equal(t, []byte("hello"), reply.Value)

	err := cli.Call(context.Background(), "NoSuch", &args, &reply)
	assert.ErrorIs(t, err, common.ErrRemoteFailed)

	ln.Disconnect("n1")
	err = cli.Call(context.Background(), ApiGet, &args, &reply)
	assert.ErrorIs(t, err, common.ErrRemoteFailed)
	ln.Connect("n1")
	assert.NoError(t, cli.Call(context.Background(), ApiGet, &args, &reply))

	srv.Stop()
	err = cli.Call(context.Background(), ApiGet, &args, &reply)
	assert.ErrorIs(t, err, common.ErrRemoteFailed)
}

func TestLocalNetwork_Unreliable(t *testing.T) {
	ln := MakeLocalNetwork()
	svc := &echoService{}
	srv := ln.MakeServer(ServiceNode, "n1")
	require.NoError(t, srv.Register(ServiceNode, svc))
	defer srv.Stop()

	ln.SetUnreliable(2*time.Millisecond, 0, 100)
	cli := ln.MakeClient(ServiceNode, "n1")
	reply := common.GetReply{}
	require.NoError(t, cli.Call(context.Background(), ApiGet, &common.GetArgs{Key: "k"}, &reply))
	assert.Equal(t, int32(2), atomic.LoadInt32(&svc.calls))

	ln.SetUnreliable(0, 100, 0)
	assert.Error(t, cli.Call(context.Background(), ApiGet, &common.GetArgs{Key: "k"}, &reply))

	ln.SetUnreliable(time.Second, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := cli.Call(ctx, ApiGet, &common.GetArgs{Key: "k"}, &reply)
	if err != nil {
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	}
}
