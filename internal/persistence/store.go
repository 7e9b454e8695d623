// Package persistence provides a BoltDB-backed audit log of grant
// decisions and node state transitions, so a coordinator restart (or
// an operator investigating a disputed grant) has a durable record.
// Nothing on the grant decision path blocks on this package: writes
// are best-effort and retried in the background, never synchronously
// required for a TAG/PTAG to be issued.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/rti-coordinator/internal/resilience"
	"github.com/swarmguard/rti-coordinator/internal/tag"
)

var (
	bucketGrants = []byte("grants")
	bucketEvents = []byte("events")
	bucketStop   = []byte("stop")
)

// GrantRecord is a durable record of a single TAG/PTAG issuance.
type GrantRecord struct {
	Seq         uint64    `json:"seq"`
	FederateID  uint16    `json:"federate_id"`
	Tag         tag.Tag   `json:"tag"`
	Provisional bool      `json:"provisional"`
	At          time.Time `json:"at"`
}

// EventRecord is a durable record of a node state transition or
// disconnect.
type EventRecord struct {
	Seq        uint64    `json:"seq"`
	FederateID uint16    `json:"federate_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Store is the audit log, backed by a single BoltDB file.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex

	writeLatency metric.Float64Histogram
}

// Open opens (creating if absent) the BoltDB file at path and ensures
// its buckets exist.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketGrants, bucketEvents, bucketStop} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create buckets: %w", err)
	}

	var writeLatency metric.Float64Histogram
	if meter != nil {
		writeLatency, _ = meter.Float64Histogram("rti_persistence_write_ms")
	}

	return &Store{db: db, writeLatency: writeLatency}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// RecordGrant durably appends rec under its sequence number, retrying
// transient BoltDB errors with backoff.
func (s *Store) RecordGrant(ctx context.Context, rec GrantRecord) error {
	return s.writeSeq(ctx, bucketGrants, rec.Seq, rec, "record_grant")
}

// CountGrants returns the number of grant records currently in the
// audit log, for admin introspection and tests.
func (s *Store) CountGrants() (int, error) {
	return s.countBucket(bucketGrants)
}

// CountEvents returns the number of event records currently in the
// audit log.
func (s *Store) CountEvents() (int, error) {
	return s.countBucket(bucketEvents)
}

func (s *Store) countBucket(bucket []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("persistence: bucket %s not found", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// RecordEvent durably appends rec under its sequence number.
func (s *Store) RecordEvent(ctx context.Context, rec EventRecord) error {
	return s.writeSeq(ctx, bucketEvents, rec.Seq, rec, "record_event")
}

// RecordMaxStopTag durably stores the federation-wide stop tag.
func (s *Store) RecordMaxStopTag(ctx context.Context, t tag.Tag) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("persistence: marshal stop tag: %w", err)
	}
	_, err = resilience.RetryAudit(ctx, 3, 50*time.Millisecond, "record_stop_tag", func() (struct{}, error) {
		return struct{}{}, s.put(bucketStop, []byte("max_stop_tag"), data, "record_stop_tag")
	})
	return err
}

func (s *Store) writeSeq(ctx context.Context, bucket []byte, seq uint64, v any, op string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persistence: marshal %s: %w", op, err)
	}
	key := seqKey(seq)
	_, err = resilience.RetryAudit(ctx, 3, 50*time.Millisecond, op, func() (struct{}, error) {
		return struct{}{}, s.put(bucket, key, data, op)
	})
	return err
}

func (s *Store) put(bucket, key, value []byte, op string) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("persistence: bucket %s not found", bucket)
		}
		return b.Put(key, value)
	})
	if s.writeLatency != nil {
		s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", op)))
	}
	return err
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
