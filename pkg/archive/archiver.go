// Package archive keeps a copy of every raw upstream payload in Cloud Storage.
package archive

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-alertcache/pkg/refresh"
	"github.com/rs/zerolog"
)

// Config holds configuration for the snapshot archiver.
type Config struct {
	BucketName   string `yaml:"bucket"`
	ObjectPrefix string `yaml:"prefix"`
}

// SnapshotArchiver is a refresh.Observer that writes the undecoded upstream
// body of each refresh to a gzip'd object, partitioned by fetch date.
type SnapshotArchiver struct {
	store  ObjectStore
	config Config
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewSnapshotArchiver creates an archiver for the configured bucket.
func NewSnapshotArchiver(store ObjectStore, config Config, logger zerolog.Logger) (*SnapshotArchiver, error) {
	if store == nil {
		return nil, errors.New("object store cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &SnapshotArchiver{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "SnapshotArchiver").Logger(),
	}, nil
}

// ObjectName returns where the snapshot for ev is stored.
func (a *SnapshotArchiver) ObjectName(ev refresh.Event) string {
	fetched := ev.Entry.FetchedAt.UTC()
	key := strings.NewReplacer(":", "_", "/", "_").Replace(ev.Key)
	file := fmt.Sprintf("%s-%d-%s.json.gz", key, fetched.Unix(), uuid.NewString()[:8])
	return path.Join(a.config.ObjectPrefix, fetched.Format("2006/01/02"), file)
}

// OnRefresh uploads the raw body of ev.
func (a *SnapshotArchiver) OnRefresh(ctx context.Context, ev refresh.Event) error {
	a.wg.Add(1)
	defer a.wg.Done()

	body := ev.Raw.Body
	if len(body) == 0 {
		body = []byte(fmt.Sprintf("%q", ev.Raw.Statuses))
	}

	objectName := a.ObjectName(ev)
	w := a.store.NewObjectWriter(ctx, a.config.BucketName, objectName)
	gz := gzip.NewWriter(w)
	if _, err := gz.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to compress snapshot %s: %w", objectName, err)
	}
	if err := gz.Close(); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to flush snapshot %s: %w", objectName, err)
	}
	// Close finalizes the GCS upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to commit snapshot %s: %w", objectName, err)
	}

	a.logger.Info().
		Str("object_name", objectName).
		Int("raw_bytes", len(body)).
		Msg("Archived upstream snapshot.")
	return nil
}

// Close waits for uploads in progress.
func (a *SnapshotArchiver) Close() error {
	a.wg.Wait()
	return nil
}
