package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/testutil"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"hello", helloMessage(Hello{Node: "a"}), false},
		{"request", requestMessage(RequestRange{Origin: "a", FromSeq: 1}), false},
		{"empty batch", batchMessage(EventBatch{}), false},
		{"ack", ackMessage(Ack{Watermark: ir.NewWatermark("a")}), false},
		{"missing body", Message{Type: TypeHello}, true},
		{"unknown type", Message{Type: "gossip"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBatchSurvivesTheWire(t *testing.T) {
	chain := testutil.NewChain("a")
	events := []ir.Event{chain.Delta("gold", "1.50"), chain.Delta("gold", "-0.25")}

	data, err := Encode(batchMessage(EventBatch{Events: events, WatermarkAck: ir.VectorClock{"b": 7}, More: true}))
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeEventBatch, msg.Type)

	for i, ev := range msg.Batch.Events {
		want, err := events[i].Hash()
		require.NoError(t, err)
		got, err := ev.Hash()
		require.NoError(t, err)
		assert.Equal(t, want, got, "event %d hash changed in transit", i)
	}
	assert.True(t, msg.Batch.More)
	assert.Equal(t, ir.VectorClock{"b": 7}, msg.Batch.WatermarkAck)

	_, err = Decode([]byte(`{"type":"ack"}`))
	assert.Error(t, err)
}

func TestPipe_DeliversBeforeClose(t *testing.T) {
	ctx := context.Background()
	left, right := Pipe()

	require.NoError(t, left.Send(ctx, helloMessage(Hello{Node: "a"})))
	require.NoError(t, left.Close())

	msg, err := right.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.OriginID("a"), msg.Hello.Node)

	_, err = right.Recv(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, right.Send(ctx, helloMessage(Hello{Node: "b"})), ErrSessionClosed)
	assert.NoError(t, right.Close(), "closing twice is fine")
}

func TestPipe_RecvHonoursContext(t *testing.T) {
	_, right := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := right.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponder_RequiresHelloFirst(t *testing.T) {
	net := NewMemoryNetwork()
	newTestNode(t, net, "a", nil)

	sess, err := net.Dial(context.Background(), Peer{ID: "a", Address: "a"})
	require.NoError(t, err)
	defer sess.Close()

	ctx := context.Background()
	require.NoError(t, sess.Send(ctx, requestMessage(RequestRange{Origin: "a", FromSeq: 1})))
	msg, err := sess.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TypeError, msg.Type)
	assert.Equal(t, ir.CodeInvalidState, msg.Error.Code)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Zero(t, b.Delay("p", 0))
	assert.Equal(t, 100*time.Millisecond, b.Delay("p", 1))
	assert.Equal(t, 200*time.Millisecond, b.Delay("p", 2))
	assert.Equal(t, 800*time.Millisecond, b.Delay("p", 4))
	assert.Equal(t, time.Second, b.Delay("p", 10))

	j := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5}
	for attempt := 1; attempt <= 6; attempt++ {
		d := j.Delay("peer-1", attempt)
		assert.Equal(t, d, j.Delay("peer-1", attempt), "jitter is deterministic")
		full := Backoff{Base: time.Second, Max: time.Minute}.Delay("peer-1", attempt)
		assert.LessOrEqual(t, d, full)
		assert.Greater(t, d, full/2)
	}
}

func TestResumeToken(t *testing.T) {
	wm := ir.Watermark{Peer: "a", Acked: ir.VectorClock{"a": 9, "c": 2}}
	tok, err := NewResumeToken(wm)
	require.NoError(t, err)
	got, err := tok.Watermark()
	require.NoError(t, err)
	assert.Equal(t, wm, got)

	empty, err := NewResumeToken(ir.Watermark{Peer: "a"})
	require.NoError(t, err)
	got, err = empty.Watermark()
	require.NoError(t, err)
	assert.NotNil(t, got.Acked)
}
