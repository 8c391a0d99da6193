package topology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/pkv/internal/etc"
	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/pkg/common"
)

func testConf() etc.CoordinatorConf {
	return etc.CoordinatorConf{
		Addr:             "coordinator",
		Partitions:       8,
		Backups:          1,
		HeartbeatTimeout: etc.Duration{Duration: 300 * time.Millisecond},
		LogLevel:         "off",
	}
}

func TestCoordinator_JoinLeave(t *testing.T) {
	c := MakeCoordinator(testConf())
	defer c.Kill()
	ctx := context.Background()

	t1, err := c.Join(ctx, 1, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), t1.Version)
	for p := 0; p < 8; p++ {
		assert.Equal(t, []int{1}, t1.OwnersOf(p))
	}

	t2, err := c.Join(ctx, 2, "n2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), t2.Version)
	assert.Equal(t, map[int]string{1: "n1", 2: "n2"}, t2.Nodes)
	for p := 0; p < 8; p++ {
		assert.ElementsMatch(t, []int{1, 2}, t2.OwnersOf(p))
	}

	// rejoin at the same address does not bump the version
	again, err := c.Join(ctx, 2, "n2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)

	require.NoError(t, c.Leave(ctx, 1))
	latest := c.Latest()
	assert.Equal(t, int64(3), latest.Version)
	for p := 0; p < 8; p++ {
		assert.Equal(t, []int{2}, latest.OwnersOf(p))
	}
	require.NoError(t, c.Leave(ctx, 42))

	old, err := c.Query(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), old.Version)
	cur, err := c.Query(ctx, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur.Version)

	_, err = c.Join(ctx, 0, "bad")
	assert.Error(t, err)
}

func TestCoordinator_Heartbeat(t *testing.T) {
	c := MakeCoordinator(testConf())
	defer c.Kill()
	ctx := context.Background()

	_, err := c.Join(ctx, 1, "n1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		nodes := c.Nodes()
		return len(nodes) == 1 && nodes[0].Status == common.NodeDisconnect
	}, 2*time.Second, 20*time.Millisecond)

	_, err = c.Query(ctx, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, common.NodeNormal, c.Nodes()[0].Status)
	// disconnect alone never changes ownership
	assert.Equal(t, int64(1), c.Latest().Version)
}

func TestClerk_OverLocalNetwork(t *testing.T) {
	network := netw.MakeLocalNetwork()
	c := MakeCoordinator(testConf())
	require.NoError(t, c.StartServer(network))
	defer c.Kill()

	ck := MakeClerk(network, "coordinator")
	defer ck.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	top, err := ck.Join(ctx, 7, "n7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), top.Version)
	assert.Equal(t, 7, top.Primary(3))

	top, nodes, err := ck.QueryNodes(ctx, 7, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), top.Version)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n7", nodes[0].Addr)

	require.NoError(t, ck.Leave(ctx, 7))
	top, err = ck.Query(ctx, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), top.Version)
	assert.Empty(t, top.OwnersOf(3))
}

func TestClerk_GivesUpWithContext(t *testing.T) {
	network := netw.MakeLocalNetwork()
	ck := MakeClerk(network, "nowhere")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := ck.Query(ctx, 0, -1)
	assert.Error(t, err)
}
