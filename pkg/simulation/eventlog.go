package simulation

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/cuemby/pdes/pkg/event"
	bolt "go.etcd.io/bbolt"
)

var bucketCommittedEvents = []byte("committed_events")

// EventLog records every positive event delivered to an agent, for a single
// run's own audit trail. Entries are written at delivery time: a delivery
// later undone by a rollback stays in the log, and its replay is recorded
// again as a new entry. This is not
// the cross-run state persistence the kernel explicitly does not provide;
// the log starts empty every run and is never read back by the kernel
// itself.
type EventLog interface {
	Record(agentID string, e *event.Event) error
	Close() error

	// Healthy reports whether this log is accepting writes, for the
	// process health-check endpoints (pkg/metrics.RegisterProbe).
	Healthy() (bool, string)
}

// NoopEventLog discards every record; the default when no log directory is
// configured.
type NoopEventLog struct{}

func (NoopEventLog) Record(string, *event.Event) error { return nil }
func (NoopEventLog) Close() error                      { return nil }
func (NoopEventLog) Healthy() (bool, string)           { return true, "disabled, no --data-dir given" }

// committedRecord is the JSON shape one EventLog entry is stored as.
type committedRecord struct {
	AgentID     string  `json:"agent_id"`
	Sender      string  `json:"sender"`
	SentTime    float64 `json:"sent_time"`
	ReceiveTime float64 `json:"receive_time"`
}

// BoltEventLog persists committed events to a per-rank BoltDB file, keyed
// by an auto-incrementing sequence so entries stay in commit order.
type BoltEventLog struct {
	db     *bolt.DB
	path   string
	closed atomic.Bool
}

// NewBoltEventLog opens (creating if necessary) a committed-event log under
// dataDir, one file per rank.
func NewBoltEventLog(dataDir string, rank int) (*BoltEventLog, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("rank-%d-events.db", rank))
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("simulation: open event log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCommittedEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("simulation: create event log bucket: %w", err)
	}
	return &BoltEventLog{db: db, path: path}, nil
}

// Record appends one delivered event. Called once per delivered positive
// event, never for anti-messages; an anti-message does not remove an
// entry already written.
func (l *BoltEventLog) Record(agentID string, e *event.Event) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommittedEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(committedRecord{
			AgentID:     agentID,
			Sender:      e.Sender,
			SentTime:    e.SentTime,
			ReceiveTime: e.ReceiveTime,
		})
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// Close closes the underlying database.
func (l *BoltEventLog) Close() error {
	l.closed.Store(true)
	return l.db.Close()
}

// Healthy reports whether the underlying BoltDB file is still open.
func (l *BoltEventLog) Healthy() (bool, string) {
	if l.closed.Load() {
		return false, "event log closed"
	}
	return true, l.path
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
