// Package artifact persists run outputs as JSON lists keyed by registration.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tjfontaine/matchbench/internal/pkg/atomicfile"
)

// keyFields are the entry fields identifying a registration, in lookup order.
var keyFields = []string{"registration_id", "RegistrationNumber"}

// Store upserts entries into JSON list files. Writes to one file are
// serialized; different files proceed independently.
type Store struct {
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates an artifact store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Store) lock(path string) func() {
	s.mu.Lock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Key returns the registration identifier of an entry.
func Key(entry json.RawMessage) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal(entry, &fields); err != nil {
		return "", fmt.Errorf("entry is not a JSON object: %w", err)
	}
	for _, f := range keyFields {
		if v, ok := fields[f]; ok {
			if s := fmt.Sprint(v); s != "" && v != nil {
				return s, nil
			}
		}
	}
	return "", errors.New("entry lacks registration_id")
}

// Upsert replaces entries whose registration already exists in the file
// (keeping their position) and appends the rest. It returns the number of
// entries written. Upserting the same entries twice leaves the file
// byte-for-byte unchanged.
func (s *Store) Upsert(path string, entries ...json.RawMessage) (int, error) {
	unlock := s.lock(path)
	defer unlock()

	list, err := s.readLocked(path)
	if err != nil {
		return 0, err
	}

	index := make(map[string]int, len(list))
	for i, e := range list {
		if k, err := Key(e); err == nil {
			index[k] = i
		}
	}

	written := 0
	for _, e := range entries {
		k, err := Key(e)
		if err != nil {
			s.logger.Error("skipping artifact entry",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		if i, ok := index[k]; ok {
			list[i] = e
		} else {
			index[k] = len(list)
			list = append(list, e)
		}
		written++
	}

	if written == 0 {
		return 0, nil
	}

	data, err := encode(list)
	if err != nil {
		return 0, err
	}
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return 0, err
	}
	s.logger.Debug("artifact updated",
		slog.String("path", path),
		slog.Int("entries", written),
		slog.Int("total", len(list)))
	return written, nil
}

// Read returns the entries stored in path; a missing file is an empty list.
func (s *Store) Read(path string) ([]json.RawMessage, error) {
	unlock := s.lock(path)
	defer unlock()
	return s.readLocked(path)
}

func (s *Store) readLocked(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		s.logger.Warn("artifact file is corrupted or not a list, starting a new list",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return nil, nil
	}
	return list, nil
}

func encode(list []json.RawMessage) ([]byte, error) {
	if list == nil {
		list = []json.RawMessage{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return append(data, '\n'), nil
}
