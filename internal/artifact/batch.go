package artifact

import (
	"encoding/json"
	"errors"
	"sync"
)

// DefaultBatchSize is the number of pending entries that triggers a flush.
const DefaultBatchSize = 5

// BatchWriter accumulates entries per file and flushes them through
// Store.Upsert once a file has batchSize entries pending.
type BatchWriter struct {
	store     *Store
	batchSize int

	mu      sync.Mutex
	pending map[string][]json.RawMessage
	order   []string
}

// NewBatchWriter creates a writer; batchSize < 1 selects DefaultBatchSize.
func NewBatchWriter(store *Store, batchSize int) *BatchWriter {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &BatchWriter{
		store:     store,
		batchSize: batchSize,
		pending:   make(map[string][]json.RawMessage),
	}
}

// Append queues entries for path and flushes the file when its batch is full.
func (w *BatchWriter) Append(path string, entries ...json.RawMessage) error {
	w.mu.Lock()
	if _, ok := w.pending[path]; !ok {
		w.order = append(w.order, path)
	}
	w.pending[path] = append(w.pending[path], entries...)
	full := len(w.pending[path]) >= w.batchSize
	w.mu.Unlock()

	if full {
		_, err := w.Flush(path)
		return err
	}
	return nil
}

// Flush writes the pending entries of one file.
func (w *BatchWriter) Flush(path string) (int, error) {
	w.mu.Lock()
	entries := w.pending[path]
	w.pending[path] = nil
	w.mu.Unlock()

	if len(entries) == 0 {
		return 0, nil
	}
	n, err := w.store.Upsert(path, entries...)
	if err != nil {
		// Put them back so a later flush can retry.
		w.mu.Lock()
		w.pending[path] = append(entries, w.pending[path]...)
		w.mu.Unlock()
	}
	return n, err
}

// FlushAll writes every pending entry, in first-append order of files.
func (w *BatchWriter) FlushAll() (int, error) {
	w.mu.Lock()
	paths := append([]string(nil), w.order...)
	w.mu.Unlock()

	total := 0
	var errs []error
	for _, p := range paths {
		n, err := w.Flush(p)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Pending returns the number of queued entries for path, or for all files
// when path is empty.
func (w *BatchWriter) Pending(path string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if path != "" {
		return len(w.pending[path])
	}
	n := 0
	for _, e := range w.pending {
		n += len(e)
	}
	return n
}
