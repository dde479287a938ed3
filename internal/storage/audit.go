package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCommandAudit = []byte("command_audit")
	bucketIOCAudit     = []byte("ioc_audit")
)

// AuditEntry records one operator-visible action: a command dispatched to
// an agent, or an edit to the IOC store. Entries are append-only.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"` // remote addr or "orchestrator"
	AgentID   string    `json:"agent_id,omitempty"`
	Action    string    `json:"action"` // command type or ioc operation
	Detail    string    `json:"detail,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
}

// AuditLog wraps a BoltDB database for the control-plane audit trail.
type AuditLog struct {
	db *bolt.DB
}

// OpenAudit creates or opens the audit database at the given path and
// ensures the buckets exist.
func OpenAudit(path string) (*AuditLog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCommandAudit, bucketIOCAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit buckets: %w", err)
	}

	return &AuditLog{db: db}, nil
}

// Close closes the underlying BoltDB.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// RecordCommand appends a command-dispatch entry.
func (a *AuditLog) RecordCommand(e AuditEntry) error {
	return a.append(bucketCommandAudit, e)
}

// RecordIOC appends an IOC store edit entry.
func (a *AuditLog) RecordIOC(e AuditEntry) error {
	return a.append(bucketIOCAudit, e)
}

// append stores the entry under a monotonically increasing sequence key so
// a cursor walk returns chronological order.
func (a *AuditLog) append(bucket []byte, e AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%016d", seq))
		return b.Put(key, data)
	})
}

// ListCommands returns the most recent command-dispatch entries, newest
// first, up to limit (0 means all).
func (a *AuditLog) ListCommands(limit int) ([]AuditEntry, error) {
	return a.list(bucketCommandAudit, limit)
}

// ListIOC returns the most recent IOC edit entries, newest first, up to
// limit (0 means all).
func (a *AuditLog) ListIOC(limit int) ([]AuditEntry, error) {
	return a.list(bucketIOCAudit, limit)
}

func (a *AuditLog) list(bucket []byte, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				// Skip a bad row rather than failing the whole listing.
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return out, nil
}
