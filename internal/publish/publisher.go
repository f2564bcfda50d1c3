// Package publish writes final artifacts atomically: temp file in the same
// filesystem, optional fsync, then rename. A failed publish never leaves a
// partial final file behind.
package publish

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/canonical"
)

// Result describes a completed publication.
type Result struct {
	FilePath    string `json:"filePath"`
	Bytes       int64  `json:"bytes"`
	ContentHash string `json:"contentHash"`
}

// Publisher owns the output tree.
type Publisher struct {
	log   *zap.Logger
	fsync bool
}

// New builds a publisher. With fsync enabled the temp file is flushed to
// stable storage before the rename.
func New(log *zap.Logger, fsync bool) *Publisher {
	return &Publisher{log: log, fsync: fsync}
}

// Publish writes payload to finalPath via <finalPath>.tmp.<requestID>.
// On any error the temp file is unlinked and the error propagated.
func (p *Publisher) Publish(finalPath, requestID string, payload []byte) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("publish mkdir: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%s", finalPath, requestID)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("publish open temp: %w", err)
	}

	cleanup := func() { os.Remove(tmpPath) }

	if _, err := f.Write(payload); err != nil {
		f.Close()
		cleanup()
		return nil, fmt.Errorf("publish write: %w", err)
	}
	if p.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			cleanup()
			return nil, fmt.Errorf("publish fsync: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, fmt.Errorf("publish close: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		cleanup()
		return nil, fmt.Errorf("publish rename: %w", err)
	}

	res := &Result{
		FilePath:    finalPath,
		Bytes:       int64(len(payload)),
		ContentHash: canonical.HashBytes(payload),
	}
	p.log.Info("published artifact",
		zap.String("path", finalPath),
		zap.String("size", humanize.Bytes(uint64(res.Bytes))),
		zap.String("content_hash", res.ContentHash))
	return res, nil
}

// Verify re-reads a published file and checks it against the expected hash.
func (p *Publisher) Verify(path, expectedHash string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if got := canonical.HashBytes(data); got != expectedHash {
		return fmt.Errorf("verify %s: hash %s does not match expected %s", path, got, expectedHash)
	}
	return nil
}
