package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// ContentType marks a batch of varint length-prefixed protobuf messages.
const ContentType = "application/x-protobuf-delimited"

// Archiver implements domain.AuditLog by buffering entries in memory and
// uploading them in batches. Each batch object is a sequence of
// length-delimited structpb.Struct messages with the fields event, at and
// detail.
type Archiver struct {
	writer   domain.BlobWriter
	prefix   string
	interval time.Duration
	maxBatch int
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	pending []*structpb.Struct
}

// NewArchiver creates an Archiver flushing every interval (default 1m) or
// once maxBatch entries are buffered (default 500), whichever comes first.
func NewArchiver(writer domain.BlobWriter, prefix string, interval time.Duration, maxBatch int, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &Archiver{
		writer:   writer,
		prefix:   prefix,
		interval: interval,
		maxBatch: maxBatch,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "audit_archive")),
	}
}

// Log buffers one entry. Detail values are normalised through JSON so any
// marshalable value is accepted.
func (a *Archiver) Log(ctx context.Context, event string, detail map[string]any) error {
	rec, err := record(event, a.now(), detail)
	if err != nil {
		return fmt.Errorf("s3blob: encode %s: %w", event, err)
	}

	a.mu.Lock()
	a.pending = append(a.pending, rec)
	full := len(a.pending) >= a.maxBatch
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Run flushes periodically until ctx is cancelled, then makes a final flush.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := a.Flush(fctx); err != nil {
				a.logger.Error("final audit flush failed", slog.String("error", err.Error()))
			}
			return ctx.Err()
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.logger.Warn("audit flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Flush uploads everything buffered so far. On failure the batch is put
// back in front of entries logged meanwhile.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range batch {
		if _, err := protodelim.MarshalTo(&buf, rec); err != nil {
			a.requeue(batch)
			return fmt.Errorf("s3blob: marshal batch: %w", err)
		}
	}

	at := a.now().UTC()
	key := path.Join(a.prefix, "audit", at.Format("2006/01/02"),
		fmt.Sprintf("%s-%s.pb", at.Format("150405"), uuid.NewString()[:8]))
	if err := a.writer.Put(ctx, key, &buf, ContentType); err != nil {
		a.requeue(batch)
		return err
	}
	a.logger.Debug("audit batch archived", slog.String("key", key), slog.Int("entries", len(batch)))
	return nil
}

func (a *Archiver) requeue(batch []*structpb.Struct) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(batch, a.pending...)
}

// Pending returns the number of buffered entries.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func record(event string, at time.Time, detail map[string]any) (*structpb.Struct, error) {
	var plain map[string]any
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &plain); err != nil {
			return nil, err
		}
	}
	d, err := structpb.NewStruct(plain)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"event":  structpb.NewStringValue(event),
		"at":     structpb.NewStringValue(at.UTC().Format(time.RFC3339Nano)),
		"detail": structpb.NewStructValue(d),
	}}, nil
}

var _ domain.AuditLog = (*Archiver)(nil)
