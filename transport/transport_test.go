package transport_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ywng/raft/transport"
)

func freePort(t *testing.T) int {
	t.Helper()
	return 21000 + int(time.Now().UnixNano()%4000)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

func TestTwoTransportsExchangeMessages(t *testing.T) {
	pa := freePort(t)
	pb := pa + 1
	addrA := transport.NodeAddress("127.0.0.1:" + strconv.Itoa(pa))
	addrB := transport.NodeAddress("127.0.0.1:" + strconv.Itoa(pb))

	cfg := transport.DefaultConfig()
	cfg.DialInterval = 20 * time.Millisecond

	ta := transport.New(zap.NewNop(), addrA, []transport.NodeAddress{addrB}, cfg)
	tb := transport.New(zap.NewNop(), addrB, []transport.NodeAddress{addrA}, cfg)

	require.NoError(t, ta.Start())
	require.NoError(t, tb.Start())
	defer ta.Close()
	defer tb.Close()

	waitFor(t, 3*time.Second, func() bool { return ta.Connected(addrB) && tb.Connected(addrA) })

	ta.Send(addrB, []byte("hello-from-a"))

	select {
	case msg := <-tb.Inbox():
		require.Equal(t, addrA, msg.From)
		require.Equal(t, []byte("hello-from-a"), msg.Body)
	case <-time.After(2 * time.Second):
		require.Fail(t, "did not receive message")
	}
}

func TestSendToDisconnectedPeerIsANoop(t *testing.T) {
	pa := freePort(t)
	addrA := transport.NodeAddress("127.0.0.1:" + strconv.Itoa(pa))
	addrGhost := transport.NodeAddress("127.0.0.1:1")

	cfg := transport.DefaultConfig()
	ta := transport.New(zap.NewNop(), addrA, []transport.NodeAddress{addrGhost}, cfg)
	require.NoError(t, ta.Start())
	defer ta.Close()

	require.NotPanics(t, func() { ta.Send(addrGhost, []byte("into the void")) })
}
