package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	lose    bool
}

func (m *memObjects) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	if !m.lose {
		m.objects[path] = b
	}
	return nil
}

func (m *memObjects) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memObjects) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

type memTrades struct {
	rows    []domain.ClosedTrade
	deleted int
}

func (m *memTrades) ListBefore(_ context.Context, before time.Time) ([]domain.ClosedTrade, error) {
	var out []domain.ClosedTrade
	for _, t := range m.rows {
		if t.ClosedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTrades) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	kept := m.rows[:0]
	for _, t := range m.rows {
		if t.ClosedAt.Before(before) {
			m.deleted++
			continue
		}
		kept = append(kept, t)
	}
	m.rows = kept
	return int64(m.deleted), nil
}

type memAudit struct {
	rows   []domain.AuditEntry
	events []string
}

func (m *memAudit) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range m.rows {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAudit) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveTrades(t *testing.T) {
	cutoff := time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)
	trades := &memTrades{rows: []domain.ClosedTrade{
		{PositionID: "old-1", RealizedPnL: 1, ClosedAt: cutoff.Add(-48 * time.Hour)},
		{PositionID: "old-2", RealizedPnL: -1, ClosedAt: cutoff.Add(-time.Hour)},
		{PositionID: "new", ClosedAt: cutoff.Add(time.Hour)},
	}}
	objects := &memObjects{}
	audit := &memAudit{}
	a := NewArchiver(objects, trades, audit, audit)

	n, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body := objects.objects["archive/closed_trades/2026-10-19T030000Z.jsonl"]
	require.NotNil(t, body)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"position_id":"old-1"`)

	require.Len(t, trades.rows, 1)
	assert.Equal(t, "new", trades.rows[0].PositionID)
	assert.Equal(t, []string{"archive.closed_trades"}, audit.events)
}

func TestArchiveNothingToDo(t *testing.T) {
	objects := &memObjects{}
	a := NewArchiver(objects, &memTrades{}, &memAudit{}, nil)

	n, err := a.ArchiveAudit(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, objects.objects)
}

func TestArchiveKeepsRowsWhenUploadFails(t *testing.T) {
	cutoff := time.Now()
	rows := []domain.ClosedTrade{{PositionID: "a", ClosedAt: cutoff.Add(-time.Hour)}}

	tests := []struct {
		name    string
		objects *memObjects
	}{
		{name: "put error", objects: &memObjects{putErr: errors.New("boom")}},
		{name: "object missing after put", objects: &memObjects{lose: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trades := &memTrades{rows: append([]domain.ClosedTrade(nil), rows...)}
			_, err := NewArchiver(tt.objects, trades, &memAudit{}, nil).ArchiveTrades(context.Background(), cutoff)
			require.Error(t, err)
			assert.Len(t, trades.rows, 1)
		})
	}
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "a/b.jsonl", (&Client{}).Key("/a/b.jsonl"))
	assert.Equal(t, "pg/a/b.jsonl", (&Client{prefix: "pg"}).Key("a/b.jsonl"))
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestWriterAgainstS3CompatibleEndpoint(t *testing.T) {
	var mu sync.Mutex
	stored := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			b, _ := io.ReadAll(r.Body)
			stored[r.URL.Path] = b
			w.WriteHeader(http.StatusOK)
		case http.MethodHead:
			if _, ok := stored[r.URL.Path]; ok {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	c, err := New(context.Background(), ClientConfig{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "archive",
		AccessKey:      "test",
		SecretKey:      "test",
		Prefix:         "polyguard",
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	w := NewWriter(c)
	ctx := context.Background()

	require.NoError(t, w.Put(ctx, "archive/x.jsonl", bytes.NewReader([]byte("{}\n")), "application/x-ndjson"))

	mu.Lock()
	assert.Equal(t, []byte("{}\n"), stored["/archive/polyguard/archive/x.jsonl"])
	mu.Unlock()

	ok, err := w.Exists(ctx, "archive/x.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Exists(ctx, "archive/missing.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example", normaliseEndpoint("e2.example", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://already", normaliseEndpoint("http://already", true))
}
