package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	syncerrors "github.com/alexjbarnes/editor-sync/internal/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// feedServer accepts one WebSocket connection, validates the subscribe
// message, and hands the connection to serve.
func feedServer(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accepting websocket: %v", err)
			return
		}

		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		assert.Equal(t, "subscribe", gjson.GetBytes(data, "op").String())
		assert.Equal(t, "test-token", gjson.GetBytes(data, "token").String())

		serve(ctx, conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeed_ChangeFrameInvokesCallback(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn) {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"res": "ok"}`)))
		require.NoError(t, conn.Write(ctx, websocket.MessageText,
			[]byte(`{"op": "changed", "lastUpdate": 42, "device": "other-machine"}`)))

		<-ctx.Done()
	})

	var got atomic.Int64

	f := NewFeed(url, "test-token", "default", "this-machine", func(lastUpdate int64) {
		got.Store(lastUpdate)
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		f.Listen(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for got.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	assert.Equal(t, int64(42), got.Load())

	cancel()
	<-done
}

func TestFeed_OwnDeviceEchoIgnored(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn) {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"res": "ok"}`)))
		// Echo of our own save, then a real change.
		require.NoError(t, conn.Write(ctx, websocket.MessageText,
			[]byte(`{"op": "changed", "lastUpdate": 10, "device": "this-machine"}`)))
		require.NoError(t, conn.Write(ctx, websocket.MessageText,
			[]byte(`{"op": "changed", "lastUpdate": 11, "device": "other-machine"}`)))

		<-ctx.Done()
	})

	var calls atomic.Int32
	var last atomic.Int64

	f := NewFeed(url, "test-token", "default", "this-machine", func(lastUpdate int64) {
		calls.Add(1)
		last.Store(lastUpdate)
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.Listen(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	assert.Equal(t, int32(1), calls.Load(), "own echo must not invoke the callback")
	assert.Equal(t, int64(11), last.Load())
}

func TestFeed_AuthRejectionIsPermanent(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn) {
		require.NoError(t, conn.Write(ctx, websocket.MessageText,
			[]byte(`{"res": "error", "msg": "invalid token"}`)))

		// Keep the connection open so the client reads the rejection
		// rather than a closed socket.
		<-ctx.Done()
	})

	f := NewFeed(url, "test-token", "default", "dev", func(int64) {}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	err := f.Listen(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrUnauthorized)
	assert.Contains(t, err.Error(), "invalid token", "auth rejection must not retry until timeout")
	assert.Less(t, time.Since(start), 2*time.Second, "rejection must return promptly, not block in a close handshake")
}
