package capacity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/pkg/atomicfile"
)

// FileStore is a MemoryStore mirrored to a JSON snapshot keyed by supplier
// ID. The snapshot is rewritten after every mutation, so a crash leaves the
// last committed state on disk.
type FileStore struct {
	*MemoryStore
	path string
}

// OpenFile opens the snapshot at path. An existing snapshot wins over the
// offer catalog: its capacities are kept and only suppliers it does not know
// are added from offers. Without a snapshot the ledger is initialised from
// offers and written immediately.
func OpenFile(ctx context.Context, path string, offers []domain.Offer, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	records, err := ReadSnapshot(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("initializing capacity snapshot from offers",
			slog.String("path", path),
			slog.Int("suppliers", len(offers)))
		records = FromOffers(offers)
	case err != nil:
		return nil, err
	default:
		logger.Info("loaded capacity snapshot",
			slog.String("path", path),
			slog.Int("suppliers", len(records)))
	}

	fs := &FileStore{
		MemoryStore: &MemoryStore{records: records},
		path:        path,
	}
	fs.persist = fs.write

	if err := fs.write(records); err != nil {
		return nil, err
	}
	if err := fs.Seed(ctx, offers); err != nil {
		return nil, err
	}
	return fs, nil
}

// Path returns the snapshot location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) write(records map[string]domain.CapacityRecord) error {
	data, err := EncodeSnapshot(records)
	if err != nil {
		return err
	}
	return atomicfile.Write(s.path, data, 0o644)
}

// EncodeSnapshot renders records as an indented JSON object keyed by
// supplier ID.
func EncodeSnapshot(records map[string]domain.CapacityRecord) ([]byte, error) {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode capacity snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// ReadSnapshot loads a snapshot file. Both the keyed object form and a plain
// list of records are accepted.
func ReadSnapshot(path string) (map[string]domain.CapacityRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}

// DecodeSnapshot parses snapshot bytes.
func DecodeSnapshot(data []byte) (map[string]domain.CapacityRecord, error) {
	data = bytes.TrimSpace(data)
	records := make(map[string]domain.CapacityRecord)
	if len(data) == 0 {
		return records, nil
	}

	if data[0] == '[' {
		var list []domain.CapacityRecord
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode capacity snapshot: %w", err)
		}
		for _, r := range list {
			records[r.SupplierID] = r
		}
	} else if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode capacity snapshot: %w", err)
	}

	for id, r := range records {
		if r.SupplierID == "" {
			r.SupplierID = id
		}
		if r.Used < 0 || r.Used > r.Capacity {
			return nil, fmt.Errorf("capacity snapshot: supplier %s has used %d outside [0, %d]", id, r.Used, r.Capacity)
		}
		r.UsedPct = domain.UsedFraction(r.Used, r.Capacity)
		records[id] = r
	}
	return records, nil
}
