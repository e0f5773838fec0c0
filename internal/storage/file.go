package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPollInterval = 500 * time.Millisecond

// FileStore keeps all records in one JSON snapshot on disk, so separate CLI
// invocations on the same machine share state the way browser tabs share
// localStorage. Writes go through an atomic rename. External changes are
// detected by polling: each write stamps the snapshot with the writer's
// origin, and watchers skip generations they produced themselves.
type FileStore struct {
	path     string
	origin   string
	interval time.Duration

	mu sync.Mutex
}

type fileSnapshot struct {
	Origin  string                     `json:"origin"`
	Records map[string]json.RawMessage `json:"records"`
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithPollInterval overrides the watch polling interval.
func WithPollInterval(d time.Duration) FileOption {
	return func(f *FileStore) {
		if d > 0 {
			f.interval = d
		}
	}
}

// OpenFile opens (or lazily creates) a snapshot store at path.
func OpenFile(path string, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("storage: empty snapshot path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create state dir: %w", err)
	}
	f := &FileStore{
		path:     path,
		origin:   uuid.NewString(),
		interval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *FileStore) read() (fileSnapshot, error) {
	snap := fileSnapshot{Records: map[string]json.RawMessage{}}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	if len(data) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	if snap.Records == nil {
		snap.Records = map[string]json.RawMessage{}
	}
	return snap, nil
}

func (f *FileStore) write(snap fileSnapshot) error {
	snap.Origin = f.origin
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.read()
	if err != nil {
		return nil, err
	}
	raw, ok := snap.Records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(raw), nil
}

func (f *FileStore) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.read()
	if err != nil {
		return err
	}
	snap.Records[key] = json.RawMessage(value)
	return f.write(snap)
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := snap.Records[key]; !ok {
		return nil
	}
	delete(snap.Records, key)
	return f.write(snap)
}

func (f *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.read()
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range snap.Records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch polls the snapshot and emits one event per changed record. Changes
// written through this store carry its own origin and are skipped.
func (f *FileStore) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	f.mu.Lock()
	known, _ := f.read()
	f.mu.Unlock()

	go func() {
		defer close(ch)

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			f.mu.Lock()
			cur, err := f.read()
			f.mu.Unlock()
			if err != nil {
				continue
			}

			for _, evt := range diffSnapshots(known, cur) {
				if cur.Origin == f.origin {
					continue
				}
				select {
				case ch <- evt:
				case <-ctx.Done():
					return
				}
			}
			known = cur
		}
	}()

	return ch
}

func diffSnapshots(old, cur fileSnapshot) []Event {
	var events []Event
	for k, v := range cur.Records {
		prev, ok := old.Records[k]
		if !ok || string(prev) != string(v) {
			events = append(events, Event{Key: k, Value: []byte(v), Origin: cur.Origin})
		}
	}
	for k := range old.Records {
		if _, ok := cur.Records[k]; !ok {
			events = append(events, Event{Key: k, Origin: cur.Origin})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Key < events[j].Key })
	return events
}
