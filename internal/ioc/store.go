// Package ioc maintains the versioned threat-intelligence store and the
// machinery that pushes updates out to the fleet.
package ioc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vigil-edr/vigil/internal/clock"
	"github.com/vigil-edr/vigil/internal/protocol"
	"github.com/vigil-edr/vigil/internal/storage"
)

// ErrInvalidIndicator is returned for malformed indicator values.
var ErrInvalidIndicator = errors.New("invalid indicator")

// Indicator carries the metadata stored for one IOC value.
type Indicator struct {
	AddedAt     int64  `json:"added_at" yaml:"added_at"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    string `json:"severity" yaml:"severity"`
	HashType    string `json:"hash_type,omitempty" yaml:"hash_type,omitempty"` // md5, sha1, or sha256; hashes only
}

// database is the on-disk shape of iocs.json.
type database struct {
	IPAddresses map[string]Indicator `json:"ip_addresses"`
	FileHashes  map[string]Indicator `json:"file_hashes"`
	URLs        map[string]Indicator `json:"urls"`
}

// versionRecord is the on-disk shape of version.json.
type versionRecord struct {
	Version   int    `json:"version"`
	UpdatedAt int64  `json:"updated_at"`
	Hash      string `json:"hash"`
}

// Snapshot is a consistent read of the whole store.
type Snapshot struct {
	Version     int
	IPAddresses map[string]Indicator
	FileHashes  map[string]Indicator
	URLs        map[string]Indicator
}

// Store is the versioned IOC table. Mutations mark the store dirty;
// CommitVersion is the only operation that bumps the version, so a batch of
// edits publishes as a single version step.
type Store struct {
	dir         string
	iocsPath    string
	versionPath string
	log         *slog.Logger
	clk         clock.Clock

	mu      sync.Mutex
	db      database
	version versionRecord
	dirty   bool
}

// Open loads (or initialises) the IOC store under <dir>/iocs.
func Open(dir string, log *slog.Logger, clk clock.Clock) (*Store, error) {
	iocDir := filepath.Join(dir, "iocs")
	if err := os.MkdirAll(iocDir, 0o755); err != nil {
		return nil, fmt.Errorf("create ioc dir %s: %w", iocDir, err)
	}

	s := &Store{
		dir:         iocDir,
		iocsPath:    filepath.Join(iocDir, "iocs.json"),
		versionPath: filepath.Join(iocDir, "version.json"),
		log:         log.With("component", "ioc-store"),
		clk:         clk,
		db: database{
			IPAddresses: make(map[string]Indicator),
			FileHashes:  make(map[string]Indicator),
			URLs:        make(map[string]Indicator),
		},
		version: versionRecord{Version: 1, UpdatedAt: clk.Now().Unix()},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if err := s.loadFile(s.iocsPath, &s.db, "iocs"); err != nil {
		return err
	}
	// Maps may be nil after unmarshalling an older or partial file.
	if s.db.IPAddresses == nil {
		s.db.IPAddresses = make(map[string]Indicator)
	}
	if s.db.FileHashes == nil {
		s.db.FileHashes = make(map[string]Indicator)
	}
	if s.db.URLs == nil {
		s.db.URLs = make(map[string]Indicator)
	}
	if err := s.loadFile(s.versionPath, &s.version, "version"); err != nil {
		return err
	}
	s.log.Info("ioc store loaded", "indicators", s.countLocked(), "version", s.version.Version)
	return nil
}

// loadFile reads one JSON file; a corrupt file is moved aside and the
// in-memory default is persisted in its place.
func (s *Store) loadFile(path string, target any, what string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s.persistFile(path, target)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		backup := fmt.Sprintf("%s.corrupted.%d", path, s.clk.Now().Unix())
		s.log.Error("failed to parse "+what+" file, starting fresh", "error", err, "backup", backup)
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return fmt.Errorf("move corrupted %s aside: %w", path, renameErr)
		}
		return s.persistFile(path, target)
	}
	return nil
}

func (s *Store) persistFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return storage.WriteAtomic(path, raw)
}

// AddIP upserts an IP indicator. The value must be a dotted quad.
func (s *Store) AddIP(value, description, severity string) error {
	if !ValidIP(value) {
		return fmt.Errorf("%w: IP %q", ErrInvalidIndicator, value)
	}
	sev, err := normalizeSeverity(severity)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.IPAddresses[value] = Indicator{
		AddedAt:     s.clk.Now().Unix(),
		Description: description,
		Severity:    sev,
	}
	s.dirty = true
	s.log.Info("added IP indicator", "value", value, "severity", sev)
	return s.persistFile(s.iocsPath, &s.db)
}

// AddHash upserts a file-hash indicator. hashType selects the expected hex
// length (md5=32, sha1=40, sha256=64); values are stored lowercase.
func (s *Store) AddHash(value, hashType, description, severity string) error {
	hashType = strings.ToLower(hashType)
	value = strings.ToLower(value)
	if !ValidHash(value, hashType) {
		return fmt.Errorf("%w: %s hash %q", ErrInvalidIndicator, hashType, value)
	}
	sev, err := normalizeSeverity(severity)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.FileHashes[value] = Indicator{
		AddedAt:     s.clk.Now().Unix(),
		Description: description,
		Severity:    sev,
		HashType:    hashType,
	}
	s.dirty = true
	s.log.Info("added hash indicator", "hash_type", hashType, "severity", sev)
	return s.persistFile(s.iocsPath, &s.db)
}

// AddURL upserts a URL indicator. URLs are stored lowercase for
// case-insensitive matching on the agent.
func (s *Store) AddURL(value, description, severity string) error {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidIndicator)
	}
	sev, err := normalizeSeverity(severity)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.URLs[value] = Indicator{
		AddedAt:     s.clk.Now().Unix(),
		Description: description,
		Severity:    sev,
	}
	s.dirty = true
	s.log.Info("added URL indicator", "value", value, "severity", sev)
	return s.persistFile(s.iocsPath, &s.db)
}

// Remove deletes an indicator by kind ("ip", "hash", "url") and value.
// Returns false when nothing matched.
func (s *Store) Remove(kind, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m map[string]Indicator
	switch kind {
	case "ip":
		m = s.db.IPAddresses
	case "hash":
		m = s.db.FileHashes
		value = strings.ToLower(value)
	case "url":
		m = s.db.URLs
		value = strings.ToLower(value)
	default:
		return false, fmt.Errorf("%w: unknown kind %q", ErrInvalidIndicator, kind)
	}

	if _, ok := m[value]; !ok {
		s.log.Warn("indicator not found", "kind", kind, "value", value)
		return false, nil
	}
	delete(m, value)
	s.dirty = true
	s.log.Info("removed indicator", "kind", kind, "value", value)
	return true, s.persistFile(s.iocsPath, &s.db)
}

// CommitVersion publishes pending edits: it serializes the store, bumps the
// version by exactly one, and records the sha256 of the serialized bytes.
// With no pending edits it returns the current version unchanged.
func (s *Store) CommitVersion() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return s.version.Version, nil
	}

	raw, err := json.MarshalIndent(&s.db, "", "  ")
	if err != nil {
		return s.version.Version, fmt.Errorf("serialize ioc store: %w", err)
	}
	if err := storage.WriteAtomic(s.iocsPath, raw); err != nil {
		return s.version.Version, err
	}

	sum := sha256.Sum256(raw)
	s.version.Version++
	s.version.UpdatedAt = s.clk.Now().Unix()
	s.version.Hash = hex.EncodeToString(sum[:])
	if err := s.persistFile(s.versionPath, &s.version); err != nil {
		return s.version.Version, err
	}

	s.dirty = false
	s.log.Info("committed ioc version", "version", s.version.Version, "indicators", s.countLocked())
	return s.version.Version, nil
}

// Version returns the current published version.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version.Version
}

// Hash returns the integrity hash recorded at the last commit.
func (s *Store) Hash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version.Hash
}

// Count returns the total number of indicators.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

func (s *Store) countLocked() int {
	return len(s.db.IPAddresses) + len(s.db.FileHashes) + len(s.db.URLs)
}

// Snapshot returns a consistent copy of the three maps and the version.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Version:     s.version.Version,
		IPAddresses: make(map[string]Indicator, len(s.db.IPAddresses)),
		FileHashes:  make(map[string]Indicator, len(s.db.FileHashes)),
		URLs:        make(map[string]Indicator, len(s.db.URLs)),
	}
	for k, v := range s.db.IPAddresses {
		snap.IPAddresses[k] = v
	}
	for k, v := range s.db.FileHashes {
		snap.FileHashes[k] = v
	}
	for k, v := range s.db.URLs {
		snap.URLs[k] = v
	}
	return snap
}

// Response converts a snapshot to the wire IOCResponse sent after an
// UPDATE_IOCS command.
func (snap Snapshot) Response(now int64) protocol.IOCResponse {
	resp := protocol.IOCResponse{
		UpdateAvailable: true,
		Version:         snap.Version,
		Timestamp:       now,
		IPAddresses:     make(map[string]protocol.IOCData, len(snap.IPAddresses)),
		FileHashes:      make(map[string]protocol.IOCData, len(snap.FileHashes)),
		URLs:            make(map[string]protocol.IOCData, len(snap.URLs)),
	}
	for v, ind := range snap.IPAddresses {
		resp.IPAddresses[v] = protocol.IOCData{Value: v, Description: ind.Description, Severity: ind.Severity}
	}
	for v, ind := range snap.FileHashes {
		resp.FileHashes[v] = protocol.IOCData{Value: v, Description: ind.Description, Severity: ind.Severity, HashType: ind.HashType}
	}
	for v, ind := range snap.URLs {
		resp.URLs[v] = protocol.IOCData{Value: v, Description: ind.Description, Severity: ind.Severity}
	}
	return resp
}

// ImportResult summarises a bulk feed import.
type ImportResult struct {
	Imported   int `json:"imported"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
}

// feedFile is the accepted shape for import payloads, JSON or YAML.
type feedFile struct {
	IPAddresses map[string]Indicator `json:"ip_addresses" yaml:"ip_addresses"`
	FileHashes  map[string]Indicator `json:"file_hashes" yaml:"file_hashes"`
	URLs        map[string]Indicator `json:"urls" yaml:"urls"`
}

// Import merges a JSON or YAML indicator feed into the store. Existing
// values count as duplicates and are left untouched; invalid values count
// as failures. The caller decides when to CommitVersion.
func (s *Store) Import(data []byte) (ImportResult, error) {
	var feed feedFile
	if err := json.Unmarshal(data, &feed); err != nil {
		if yerr := yaml.Unmarshal(data, &feed); yerr != nil {
			return ImportResult{}, fmt.Errorf("feed is neither JSON (%v) nor YAML (%v)", err, yerr)
		}
	}

	var res ImportResult
	for ip, ind := range feed.IPAddresses {
		if s.has("ip", ip) {
			res.Duplicates++
		} else if err := s.AddIP(ip, ind.Description, ind.Severity); err != nil {
			res.Failed++
		} else {
			res.Imported++
		}
	}
	for h, ind := range feed.FileHashes {
		ht := ind.HashType
		if ht == "" {
			ht = "sha256"
		}
		if s.has("hash", h) {
			res.Duplicates++
		} else if err := s.AddHash(h, ht, ind.Description, ind.Severity); err != nil {
			res.Failed++
		} else {
			res.Imported++
		}
	}
	for u, ind := range feed.URLs {
		if s.has("url", u) {
			res.Duplicates++
		} else if err := s.AddURL(u, ind.Description, ind.Severity); err != nil {
			res.Failed++
		} else {
			res.Imported++
		}
	}

	s.log.Info("imported ioc feed", "imported", res.Imported, "failed", res.Failed, "duplicates", res.Duplicates)
	return res, nil
}

// Export returns the current store serialized as indented JSON.
func (s *Store) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(&s.db, "", "  ")
}

func (s *Store) has(kind, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "ip":
		_, ok := s.db.IPAddresses[value]
		return ok
	case "hash":
		_, ok := s.db.FileHashes[strings.ToLower(value)]
		return ok
	default:
		_, ok := s.db.URLs[strings.ToLower(value)]
		return ok
	}
}

// ValidIP reports whether value is four dotted decimal octets in 0-255.
func ValidIP(value string) bool {
	parts := strings.Split(value, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// ValidHash reports whether value is hex of the exact length for hashType.
func ValidHash(value, hashType string) bool {
	var want int
	switch hashType {
	case "md5":
		want = 32
	case "sha1":
		want = 40
	case "sha256":
		want = 64
	default:
		return false
	}
	if len(value) != want {
		return false
	}
	for _, c := range value {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func normalizeSeverity(s string) (string, error) {
	if s == "" {
		return "medium", nil
	}
	switch strings.ToLower(s) {
	case "low", "medium", "high", "critical":
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("%w: severity %q", ErrInvalidIndicator, s)
}
