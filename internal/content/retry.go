package content

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/roach88/scenehost/internal/ir"
)

// Retrying retries temporary failures of another catalog with exponential
// backoff. Permanent failures are returned at once.
type Retrying struct {
	inner   Catalog
	retries uint64
	base    time.Duration
	logger  *slog.Logger
}

// NewRetrying wraps inner. retries is the number of attempts after the
// first; base is the first backoff interval.
func NewRetrying(inner Catalog, retries uint64, base time.Duration) *Retrying {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &Retrying{inner: inner, retries: retries, base: base, logger: slog.Default()}
}

// WithRetryLogger sets the logger used for retry attempts.
func (r *Retrying) WithRetryLogger(l *slog.Logger) *Retrying {
	r.logger = l
	return r
}

func (r *Retrying) do(ctx context.Context, what string, scene ir.SceneID, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(r.retries, retry.WithJitterPercent(10, retry.NewExponential(r.base)))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && IsTemporary(err) {
			r.logger.Debug("content request failed, retrying",
				"op", what,
				"scene_id", scene,
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

// Locate implements Catalog.
func (r *Retrying) Locate(ctx context.Context, parcels []ir.Parcel) ([]Pointer, error) {
	var out []Pointer
	err := r.do(ctx, "locate", "", func(ctx context.Context) error {
		var err error
		out, err = r.inner.Locate(ctx, parcels)
		return err
	})
	return out, err
}

// Resolve implements Catalog.
func (r *Retrying) Resolve(ctx context.Context, id ir.SceneID) (*Manifest, error) {
	var out *Manifest
	err := r.do(ctx, "resolve", id, func(ctx context.Context) error {
		var err error
		out, err = r.inner.Resolve(ctx, id)
		return err
	})
	return out, err
}

// ReadFile implements Catalog.
func (r *Retrying) ReadFile(ctx context.Context, id ir.SceneID, name string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "read_file", id, func(ctx context.Context) error {
		var err error
		out, err = r.inner.ReadFile(ctx, id, name)
		return err
	})
	return out, err
}
