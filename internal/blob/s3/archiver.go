package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// DivergenceArchiveStore is the part of the divergence store the archiver
// needs: a time-ranged read and the follow-up prune.
type DivergenceArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.DivergenceEvent, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ObjectChecker confirms an uploaded object is readable before the source
// rows are deleted.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// DivergenceArchiver implements domain.Archiver. Events older than the cutoff
// are serialized to JSONL, uploaded, verified and only then pruned from the
// primary store.
type DivergenceArchiver struct {
	writer  domain.BlobWriter
	checker ObjectChecker
	store   DivergenceArchiveStore
	audit   domain.AuditStore
}

// NewDivergenceArchiver creates a DivergenceArchiver. checker may be nil, in
// which case the upload is trusted without a HEAD round trip.
func NewDivergenceArchiver(
	writer domain.BlobWriter,
	checker ObjectChecker,
	store DivergenceArchiveStore,
	audit domain.AuditStore,
) *DivergenceArchiver {
	return &DivergenceArchiver{
		writer:  writer,
		checker: checker,
		store:   store,
		audit:   audit,
	}
}

// ArchiveDivergences uploads all divergence events detected before the cutoff
// to archive/divergences/YYYY-MM-DDTHHMMSS.jsonl and deletes them from the
// store. It returns the number of archived events.
func (a *DivergenceArchiver) ArchiveDivergences(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.store.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive divergences query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive divergences marshal: %w", err)
	}

	path := archivePath("divergences", before)
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive divergences upload: %w", err)
	}

	if a.checker != nil {
		ok, err := a.checker.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive divergences verify: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("s3blob: archive divergences verify %s: %w", path, domain.ErrNotFound)
		}
	}

	count := int64(len(events))
	deleted, err := a.store.DeleteBefore(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive divergences prune: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.divergences", map[string]any{
		"path":    path,
		"count":   count,
		"deleted": deleted,
		"before":  before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive divergences audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the object key for an archive file, one per cutoff.
//
//	archive/divergences/2025-01-31T030000.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02T150405"))
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

var _ domain.Archiver = (*DivergenceArchiver)(nil)
