// Package storage implements the durable state layer: throttled JSON-file
// collections for control-plane maps, and a bbolt-backed audit log.
//
// In-memory state is authoritative; the files are a write-behind cache. A
// collection only rewrites its file when it is dirty and the save interval
// has elapsed, or when a save is forced. Writes are whole-file replaces
// (temp file, fsync, rename) so a crash never leaves a half-written map.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vigil-edr/vigil/internal/clock"
)

// DefaultSaveInterval throttles collection rewrites.
const DefaultSaveInterval = 60 * time.Second

// Collection is one durable JSON map, e.g. agents.json.
// All access goes through the collection mutex.
type Collection struct {
	name         string
	path         string
	saveInterval time.Duration
	log          *slog.Logger
	clk          clock.Clock

	mu       sync.Mutex
	data     map[string]json.RawMessage
	dirty    bool
	lastSave time.Time
}

// OpenCollection loads (or creates) the JSON map file <dir>/<name>.json.
//
// A file that exists but does not parse is moved aside to
// <name>.json.corrupted.<epoch> and replaced by an empty map. The rename
// preserves the broken payload for forensics; the control plane restarts
// with documented data loss rather than refusing to start.
func OpenCollection(dir, name string, saveInterval time.Duration, log *slog.Logger, clk clock.Clock) (*Collection, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	c := &Collection{
		name:         name,
		path:         filepath.Join(dir, name+".json"),
		saveInterval: saveInterval,
		log:          log.With("collection", name),
		clk:          clk,
		data:         make(map[string]json.RawMessage),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection) load() error {
	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.log.Info("no existing data, starting empty")
		return c.writeFile()
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", c.path, err)
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		backup := fmt.Sprintf("%s.corrupted.%d", c.path, c.clk.Now().Unix())
		c.log.Error("failed to parse data file, starting empty", "error", err, "backup", backup)
		if renameErr := os.Rename(c.path, backup); renameErr != nil {
			return fmt.Errorf("move corrupted %s aside: %w", c.path, renameErr)
		}
		c.data = make(map[string]json.RawMessage)
		return c.writeFile()
	}

	c.data = data
	c.log.Info("loaded collection", "records", len(data))
	return nil
}

// Get returns the raw record for key.
func (c *Collection) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// GetAs unmarshals the record for key into target.
// Returns false when the key is absent; an unmarshal failure is an error.
func (c *Collection) GetAs(key string, target any) (bool, error) {
	c.mu.Lock()
	raw, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return true, fmt.Errorf("unmarshal %s[%s]: %w", c.name, key, err)
	}
	return true, nil
}

// Put stores a record and schedules a throttled save.
func (c *Collection) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s[%s]: %w", c.name, key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = raw
	c.dirty = true
	return c.saveLocked(false)
}

// Delete removes a record if present.
func (c *Collection) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; !ok {
		return nil
	}
	delete(c.data, key)
	c.dirty = true
	return c.saveLocked(false)
}

// All returns a snapshot copy of every record.
func (c *Collection) All() map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]json.RawMessage, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Len returns the number of records.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// ForceSave flushes the collection to disk regardless of throttling.
func (c *Collection) ForceSave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(true)
}

// saveLocked writes the file when dirty and either forced or past the save
// interval. A write failure leaves the dirty flag set so the next save
// retries; in-memory state stays authoritative either way.
func (c *Collection) saveLocked(force bool) error {
	if !c.dirty {
		return nil
	}
	if !force && c.clk.Since(c.lastSave) < c.saveInterval {
		return nil
	}
	if err := c.writeFile(); err != nil {
		c.log.Error("save failed, keeping in-memory state", "error", err)
		return err
	}
	c.dirty = false
	c.lastSave = c.clk.Now()
	c.log.Debug("saved collection", "records", len(c.data))
	return nil
}

// writeFile serializes the whole map and atomically replaces the target.
func (c *Collection) writeFile() error {
	raw, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", c.name, err)
	}
	return WriteAtomic(c.path, raw)
}

// WriteAtomic replaces path with data via temp file, fsync, and rename, so
// readers never observe a partial write.
func WriteAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Store aggregates the three control-plane collections.
type Store struct {
	Agents  *Collection
	Results *Collection
	Matches *Collection
}

// Open loads all collections under dir.
func Open(dir string, saveInterval time.Duration, log *slog.Logger, clk clock.Clock) (*Store, error) {
	agents, err := OpenCollection(dir, "agents", saveInterval, log, clk)
	if err != nil {
		return nil, err
	}
	results, err := OpenCollection(dir, "command_results", saveInterval, log, clk)
	if err != nil {
		return nil, err
	}
	matches, err := OpenCollection(dir, "ioc_matches", saveInterval, log, clk)
	if err != nil {
		return nil, err
	}
	return &Store{Agents: agents, Results: results, Matches: matches}, nil
}

// ForceSaveAll flushes every collection; used on shutdown and by the
// maintenance flush job. The first error is returned after all collections
// have been attempted.
func (s *Store) ForceSaveAll() error {
	var first error
	for _, c := range []*Collection{s.Agents, s.Results, s.Matches} {
		if err := c.ForceSave(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
