// Package storage defines the watermark persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"feedgrab/internal/model"
)

// Storage persists one watermark per profile.
//
// LoadWatermark returns model.Epoch with a nil error when nothing has been
// stored yet, and model.Epoch with a non-nil error when a stored value
// exists but cannot be read or parsed. SaveWatermark writes unconditionally;
// callers decide whether the value is an advance.
type Storage interface {
	LoadWatermark(ctx context.Context, profile string) (time.Time, error)
	SaveWatermark(ctx context.Context, profile string, t time.Time) error
	RecordDownload(ctx context.Context, d model.Download) error
	Close() error
}

// watermarkLayout keeps sub-second precision so an Atom timestamp with
// fractions is not rounded below itself on the next load.
const watermarkLayout = time.RFC3339Nano

func formatWatermark(t time.Time) string {
	return t.Format(watermarkLayout)
}

func parseWatermark(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
