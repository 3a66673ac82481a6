package wsnet

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Misty4119/nds-api/internal/conflict"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/replication"
	"github.com/Misty4119/nds-api/internal/schema"
	"github.com/Misty4119/nds-api/internal/store"
	"github.com/Misty4119/nds-api/internal/testutil"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), store.WithRegistry(schema.NewDefaultRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSyncOverWebSocket(t *testing.T) {
	ctx := context.Background()
	remote := openStore(t)
	chain := testutil.NewChain("a")
	_, err := remote.Append(ctx, "a", []ir.Event{chain.Delta("gold", "5"), chain.Delta("gold", "7")})
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(replication.NewResponder(remote, "a"), nil))
	defer srv.Close()

	local := openStore(t)
	eng := replication.New(local, conflict.New(local, conflict.WithLocalOrigin("b")), NewDialer(), replication.WithNode("b"))
	require.NoError(t, eng.AddPeer(replication.Peer{ID: "a", Address: wsURL(srv)}))

	res, err := eng.SyncPeer(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, uint64(2), res.Watermark.Acked.Get("a"))

	require.Eventually(t, func() bool {
		acked, err := remote.PeerAck(ctx, "b")
		return err == nil && acked.Get("a") == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDial_Unreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := wsURL(srv)
	srv.Close()

	_, err := NewDialer().Dial(context.Background(), replication.Peer{ID: "gone", Address: url})
	require.Error(t, err)
	assert.True(t, replication.IsPeerUnreachable(err))
}

func TestSession_RecvHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(NewHandler(replication.HandlerFunc(func(ctx context.Context, s replication.Session) error {
		<-block
		return nil
	}), nil))
	defer srv.Close()
	defer close(block)

	sess, err := NewDialer().Dial(context.Background(), replication.Peer{ID: "x", Address: wsURL(srv)})
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sess.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
