package chainclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	dialTimeout = 50 * time.Millisecond
	dialDelay = time.Millisecond
	dialRetries = 2
	m.Run()
}

func TestGet_DialFailureReturnsError(t *testing.T) {
	r := New()
	_, err := r.Get(context.Background(), 1, "http://127.0.0.1:0", nil)
	require.Error(t, err)
	assert.Equal(t, 0, r.Len(), "a failed dial must not populate the registry")
}

func TestGet_UnknownChainsAreIndependent(t *testing.T) {
	r := New()
	_, err1 := r.Get(context.Background(), 1, "http://127.0.0.1:0", nil)
	_, err2 := r.Get(context.Background(), 2, "http://127.0.0.1:0", nil)
	require.Error(t, err1)
	require.Error(t, err2)
}

func TestGet_ContextCancellationDuringRetryBackoffIsReturned(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Get(ctx, 5, "http://127.0.0.1:0", nil)
	require.Error(t, err)
}
