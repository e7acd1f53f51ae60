package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet
var ErrNoSnapshot = errors.New("no snapshot on disk")

const snapshotFile = "snapshot.json.zst"

// snapshotRecord is the on-disk form of a domain.Snapshot
type snapshotRecord struct {
	Namespace string           `json:"namespace"`
	Version   string           `json:"version"`
	SavedAt   time.Time        `json:"saved_at"`
	Flags     []domain.Flag    `json:"flags"`
	Segments  []domain.Segment `json:"segments"`
}

// DiskStore persists the last good snapshot of each namespace so an engine
// can start serving when the upstream is unreachable.
type DiskStore struct {
	dir string
	mu  sync.RWMutex

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &DiskStore{dir: dir, enc: enc, dec: dec}, nil
}

func (d *DiskStore) filePath(namespace string) string {
	return filepath.Join(d.dir, namespace+"."+snapshotFile)
}

// Save writes the snapshot atomically by renaming a temp file into place
func (d *DiskStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rec := snapshotRecord{
		Namespace: snap.Namespace(),
		Version:   snap.Version(),
		SavedAt:   time.Now().UTC(),
		Flags:     snap.Flags(),
		Segments:  snap.Segments(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	compressed := d.enc.EncodeAll(data, nil)

	file := d.filePath(rec.Namespace)
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

// Load reads the saved snapshot for a namespace and validates it again
func (d *DiskStore) Load(ctx context.Context, namespace string) (*domain.Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	compressed, err := os.ReadFile(d.filePath(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	data, err := d.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, domain.NewMalformedSnapshotError(namespace, "corrupt snapshot file", err)
	}

	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, domain.NewMalformedSnapshotError(namespace, "failed to decode snapshot", err)
	}
	if rec.Namespace != namespace {
		return nil, domain.NewMalformedSnapshotError(namespace,
			fmt.Sprintf("snapshot belongs to namespace %q", rec.Namespace), nil)
	}

	return domain.NewSnapshot(rec.Namespace, rec.Version, rec.Flags, rec.Segments)
}

// Close releases the zstd encoder and decoder
func (d *DiskStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dec.Close()
	return d.enc.Close()
}
