package coordinator

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// newEchoServer upgrades every connection and replies to each bid frame
// with a successful ack for the same commitment.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var frame bidFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		ack := ackFrame{Commitment: frame.Commitment, Success: true, ExtrinsicHash: "0xextrinsic", BlockHash: "0xblock"}
		_ = conn.WriteJSON(ack)
		time.Sleep(50 * time.Millisecond)
	}))
}

func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testSeedHex() string {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	return hex.EncodeToString(seed)
}

func TestNew_ReturnsNilForUnconfiguredCoordinator(t *testing.T) {
	c, err := New("", "", "", zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestNew_DerivesKeyPairFromSeed(t *testing.T) {
	c, err := New("wss://example.invalid/ws", testSeedHex(), "", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.NotNil(t, c.keyPair)
}

func TestConnect_SubmitBid_ReceivesAck(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()

	c, err := New(wsURL(t, server), testSeedHex(), "", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NotNil(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	var commitment [32]byte
	commitment[0] = 0xab
	receipt, err := c.SubmitBid(ctx, commitment, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, "0xextrinsic", receipt.ExtrinsicHash)
}

func TestSubmitBid_ErrorsWhenNotConnected(t *testing.T) {
	c, err := New("wss://example.invalid/ws", testSeedHex(), "", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NotNil(t, c)

	var commitment [32]byte
	_, err = c.SubmitBid(context.Background(), commitment, nil)
	assert.Error(t, err)
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()

	c, err := New(wsURL(t, server), testSeedHex(), "", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	assert.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect())
}
