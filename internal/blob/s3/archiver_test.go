package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

type memWriter struct {
	keys   []string
	bodies [][]byte
	fail   error
}

func (w *memWriter) Put(_ context.Context, key string, data io.Reader, contentType string) error {
	if w.fail != nil {
		return w.fail
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.keys = append(w.keys, key)
	w.bodies = append(w.bodies, b)
	return nil
}

func newTestArchiver(w *memWriter, maxBatch int) *Archiver {
	a := NewArchiver(w, "prod", time.Minute, maxBatch, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }
	return a
}

func decode(t *testing.T, body []byte) []*structpb.Struct {
	t.Helper()
	r := bufio.NewReader(bytes.NewReader(body))
	var out []*structpb.Struct
	for {
		msg := &structpb.Struct{}
		err := protodelim.UnmarshalFrom(r, msg)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func TestArchiver_FlushWritesDelimitedBatch(t *testing.T) {
	w := &memWriter{}
	a := newTestArchiver(w, 0)
	ctx := context.Background()

	require.NoError(t, a.Log(ctx, "trade_pair", map[string]any{"market": "0xabc", "yes_filled": 100, "at": time.Unix(0, 0).UTC()}))
	require.NoError(t, a.Log(ctx, "merge", map[string]any{"market": "0xabc", "amount": 98.5}))
	assert.Equal(t, 2, a.Pending())

	require.NoError(t, a.Flush(ctx))
	assert.Zero(t, a.Pending())
	require.Len(t, w.keys, 1)
	assert.True(t, strings.HasPrefix(w.keys[0], "prod/audit/2025/03/04/050607-"), w.keys[0])

	recs := decode(t, w.bodies[0])
	require.Len(t, recs, 2)
	assert.Equal(t, "trade_pair", recs[0].Fields["event"].GetStringValue())
	detail := recs[0].Fields["detail"].GetStructValue().AsMap()
	assert.Equal(t, "0xabc", detail["market"])
	assert.Equal(t, float64(100), detail["yes_filled"])
	assert.Equal(t, 98.5, recs[1].Fields["detail"].GetStructValue().AsMap()["amount"])
}

func TestArchiver_EmptyFlushWritesNothing(t *testing.T) {
	w := &memWriter{}
	require.NoError(t, newTestArchiver(w, 0).Flush(context.Background()))
	assert.Empty(t, w.keys)
}

func TestArchiver_FailedUploadKeepsEntries(t *testing.T) {
	w := &memWriter{fail: errors.New("503 slow down")}
	a := newTestArchiver(w, 0)
	ctx := context.Background()

	require.NoError(t, a.Log(ctx, "merge", map[string]any{"amount": 1}))
	require.Error(t, a.Flush(ctx))
	require.NoError(t, a.Log(ctx, "merge", map[string]any{"amount": 2}))
	assert.Equal(t, 2, a.Pending())

	w.fail = nil
	require.NoError(t, a.Flush(ctx))
	recs := decode(t, w.bodies[0])
	require.Len(t, recs, 2)
	assert.Equal(t, float64(1), recs[0].Fields["detail"].GetStructValue().AsMap()["amount"])
}

func TestArchiver_FlushesWhenBatchFull(t *testing.T) {
	w := &memWriter{}
	a := newTestArchiver(w, 2)
	ctx := context.Background()

	require.NoError(t, a.Log(ctx, "order_terminal", nil))
	assert.Empty(t, w.keys)
	require.NoError(t, a.Log(ctx, "order_terminal", nil))
	assert.Len(t, w.keys, 1)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
