package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocket_DialEcho(t *testing.T) {
	server, err := NewWebSocket(WebSocketOptions{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer server.Close()
	require.NoError(t, server.Join(testTopic, echo))

	client, err := NewWebSocket(WebSocketOptions{Peers: []string{server.Addr()}})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, testTopic)
	require.NoError(t, err)

	require.NoError(t, WriteFrame(conn, FrameHello, map[string]int{"n": 1}))
	f, err := ReadFrame(conn)
	require.NoError(t, err)
	var body map[string]int
	require.NoError(t, f.Expect(FrameHello, &body))
	assert.Equal(t, 1, body["n"])

	require.NoError(t, conn.Close())
	_, err = conn.Recv()
	assert.ErrorIs(t, err, ErrClosed)

	// 没有加入的 topic
	_, err = client.Dial(ctx, []byte("other"))
	assert.ErrorIs(t, err, ErrNoPeers)
}

func TestWebSocket_NoPeers(t *testing.T) {
	client, err := NewWebSocket(WebSocketOptions{})
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Dial(context.Background(), testTopic)
	assert.ErrorIs(t, err, ErrNoPeers)
}
