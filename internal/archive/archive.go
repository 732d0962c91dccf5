// Package archive writes completed audit reports to a blob store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
)

const (
	contentType = "application/json"
	// Archived reports never change once written.
	reportCacheControl = "private, max-age=31536000, immutable"
)

// Object describes one archived report blob.
type Object struct {
	Path         string
	ContentType  string
	CacheControl string
	// Metadata carries the report identity so blobs can be found without reading them.
	Metadata map[string]string
}

// BlobStore persists report blobs and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, obj Object, r io.Reader) (string, error)
}

// Record is the archived document.
type Record struct {
	ID         string       `json:"id"`
	Mode       audit.Mode   `json:"mode"`
	ArchivedAt time.Time    `json:"archived_at"`
	Report     audit.Report `json:"report"`
}

// Archiver lays reports out as <prefix>/<yyyy>/<mm>/<dd>/<id>.json.
type Archiver struct {
	store  BlobStore
	prefix string
	clock  clock.Clock
}

// New returns an Archiver writing into store under prefix.
func New(store BlobStore, prefix string, clk clock.Clock) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/"), clock: clk}, nil
}

// Save uploads report and returns the object URI.
func (a *Archiver) Save(ctx context.Context, id string, mode audit.Mode, report audit.Report) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("report id is required")
	}
	now := a.clock.Now()
	data, err := json.Marshal(Record{ID: id, Mode: mode, ArchivedAt: now, Report: report})
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	obj := Object{
		Path:         a.objectPath(id, now),
		ContentType:  contentType,
		CacheControl: reportCacheControl,
		Metadata:     metadataFor(id, mode, report),
	}
	uri, err := a.store.PutObject(ctx, obj, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("archive report %s: %w", id, err)
	}
	return uri, nil
}

func (a *Archiver) objectPath(id string, at time.Time) string {
	return path.Join(a.prefix, at.Format("2006/01/02"), id+".json")
}

func metadataFor(id string, mode audit.Mode, report audit.Report) map[string]string {
	md := map[string]string{
		"report-id": id,
		"mode":      string(mode),
		"url":       report.URL,
	}
	if !report.FetchTime.IsZero() {
		md["fetch-time"] = report.FetchTime.UTC().Format(time.RFC3339)
	}
	return md
}
