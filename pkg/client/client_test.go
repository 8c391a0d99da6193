package client

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/pkv/internal/etc"
	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/internal/node"
	"github.com/allen1211/pkv/internal/topology"
	"github.com/allen1211/pkv/pkg/common"
)

func startCluster(t *testing.T, nodes int) (*netw.LocalNetwork, []*node.Node) {
	net := netw.MakeLocalNetwork()
	coord := topology.MakeCoordinator(etc.CoordinatorConf{
		Addr:             "coordinator",
		Partitions:       8,
		Backups:          1,
		HeartbeatTimeout: etc.Duration{Duration: 2 * time.Second},
		LogLevel:         "off",
	})
	require.NoError(t, coord.StartServer(net))
	t.Cleanup(coord.Kill)

	var res []*node.Node
	for id := 1; id <= nodes; id++ {
		conf := etc.MakeDefaultConfig()
		conf.NodeId = id
		conf.Host = "node"
		conf.Port = id
		conf.Coordinator = "coordinator"
		conf.DataDir = t.TempDir()
		conf.Partitions = 8
		conf.LogLevel = "off"
		conf.HeartbeatInterval = etc.Duration{Duration: 50 * time.Millisecond}
		conf.Rebalance.RetryInterval = etc.Duration{Duration: 20 * time.Millisecond}
		conf.Rebalance.RequestTimeout = etc.Duration{Duration: time.Second}
		require.NoError(t, conf.Validate())

		n, jf, err := node.Start(&conf, node.Deps{Network: net})
		require.NoError(t, err)
		t.Cleanup(n.Kill)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		require.NoError(t, jf.Wait(ctx))
		cancel()
		res = append(res, n)
	}
	return net, res
}

func makeClerk(t *testing.T, net netw.Network) *KvClerk {
	ck := MakeKvClerk(net, "coordinator", common.MustInitLogger("off", "client"))
	t.Cleanup(ck.Close)
	return ck
}

func TestKvClerk_PutGetRemove(t *testing.T) {
	net, nodes := startCluster(t, 2)
	ck := makeClerk(t, net)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 100; i++ {
		require.NoError(t, ck.Put(ctx, fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i))))
	}
	for i := 0; i < 100; i++ {
		v, found, err := ck.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
	}
	require.NoError(t, ck.Remove(ctx, "k7"))
	_, found, err := ck.Get(ctx, "k7")
	require.NoError(t, err)
	assert.False(t, found)

	// every write reached both owners
	for _, n := range nodes {
		assert.Equal(t, []byte("v8"), n.LocalPeek("k8"))
		assert.Nil(t, n.LocalPeek("k7"))
	}
}

func TestStreamer_ThroughNode(t *testing.T) {
	_, nodes := startCluster(t, 1)
	n := nodes[0]
	ctx := context.Background()
	require.NoError(t, n.Put(ctx, "k0", []byte("old")))

	s := NewStreamer(ctx, n, 16)
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.AddData(fmt.Sprintf("k%d", i), []byte("new")))
	}
	require.NoError(t, s.Close())
	assert.Equal(t, []byte("old"), n.LocalPeek("k0"))
	assert.Equal(t, []byte("new"), n.LocalPeek("k999"))

	s = NewStreamer(ctx, n, 16)
	s.AllowOverwrite(true)
	require.NoError(t, s.AddData("k0", []byte("new")))
	require.NoError(t, s.AddData("k1", nil))
	require.NoError(t, s.Close())
	assert.Equal(t, []byte("new"), n.LocalPeek("k0"))
	assert.Nil(t, n.LocalPeek("k1"))
}

func TestConsoleClient(t *testing.T) {
	net, _ := startCluster(t, 1)
	ck := makeClerk(t, net)

	in := strings.NewReader("put a 1\nget a\ndel a\nget a\nshow nodes\nshow partitions 1 0\nbogus\nquit\nget a\n")
	out := &bytes.Buffer{}
	MakeConsoleClient(ck, in, out).Start()

	text := out.String()
	assert.Contains(t, text, "USER GUIDE")
	assert.Contains(t, text, "OK\n1\n")
	assert.Contains(t, text, string(common.ErrNoKey))
	assert.Contains(t, text, "node:1")
	assert.Contains(t, text, "Owning")
	assert.Contains(t, text, "unsupported operation: bogus")
}
