package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 64 * 1024 * 1024

// TradeSource lists and prunes closed trades for archiving.
type TradeSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.ClosedTrade, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditSource lists and prunes audit entries for archiving.
type AuditSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ObjectStore is the write side the archiver needs, plus a read-back check.
type ObjectStore interface {
	domain.BlobWriter
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveImpl implements domain.Archiver. Records are serialised to JSONL,
// uploaded, verified with a HEAD, and only then pruned from the database.
type ArchiveImpl struct {
	store  ObjectStore
	trades TradeSource
	audit  AuditSource
	log    domain.AuditStore
	now    func() time.Time
}

// NewArchiver creates a new ArchiveImpl. log may be nil.
func NewArchiver(store ObjectStore, trades TradeSource, audit AuditSource, log domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		store:  store,
		trades: trades,
		audit:  audit,
		log:    log,
		now:    time.Now,
	}
}

// ArchiveTrades moves closed trades older than before to
// archive/closed_trades/<cutoff>.jsonl and returns how many were archived.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	return archive(ctx, a, "closed_trades", before, trades, a.trades.DeleteBefore)
}

// ArchiveAudit moves audit entries older than before to
// archive/audit_log/<cutoff>.jsonl and returns how many were archived.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	return archive(ctx, a, "audit_log", before, entries, a.audit.DeleteBefore)
}

func archive[T any](
	ctx context.Context,
	a *ArchiveImpl,
	kind string,
	before time.Time,
	records []T,
	prune func(context.Context, time.Time) (int64, error),
) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if len(buf) > multipartThreshold {
		err = a.store.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.store.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	ok, err := a.store.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s verify: %w", kind, err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive %s verify: %s: %w", kind, path, domain.ErrNotFound)
	}

	count := int64(len(records))
	pruned, err := prune(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive %s prune: %w", kind, err)
	}

	if a.log != nil {
		if err := a.log.Log(ctx, "archive."+kind, map[string]any{
			"path":        path,
			"count":       count,
			"pruned":      pruned,
			"before":      before.UTC().Format(time.RFC3339),
			"archived_at": a.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath builds the key for an archive file, named by the cutoff so
// runs on different days never overwrite each other.
//
//	archive/closed_trades/2026-10-19T030000Z.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02T150405Z"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
