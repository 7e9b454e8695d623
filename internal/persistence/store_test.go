package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/rti-coordinator/internal/tag"
)

func TestRecordGrantAndEvent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.RecordGrant(ctx, GrantRecord{
		Seq:        1,
		FederateID: 3,
		Tag:        tag.Tag{Time: 100},
		At:         time.Unix(0, 0),
	}); err != nil {
		t.Fatalf("RecordGrant: %v", err)
	}
	if err := s.RecordEvent(ctx, EventRecord{
		Seq:        1,
		FederateID: 3,
		Kind:       "disconnect",
		At:         time.Unix(0, 0),
	}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := s.RecordMaxStopTag(ctx, tag.Tag{Time: 500}); err != nil {
		t.Fatalf("RecordMaxStopTag: %v", err)
	}

	if n, err := s.CountGrants(); err != nil || n != 1 {
		t.Fatalf("CountGrants() = %d, %v, want 1, nil", n, err)
	}
	if n, err := s.CountEvents(); err != nil || n != 1 {
		t.Fatalf("CountEvents() = %d, %v, want 1, nil", n, err)
	}
}

func TestReopenPreservesBuckets(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()
	if err := s2.RecordGrant(context.Background(), GrantRecord{Seq: 1, FederateID: 1}); err != nil {
		t.Fatalf("RecordGrant after reopen: %v", err)
	}
}
