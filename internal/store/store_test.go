package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"first.txt", "second.txt", "third.txt"} {
		err := s.Record(&TransferRecord{
			FileID:     name,
			FileName:   name,
			FileSize:   int64(100 * (i + 1)),
			Direction:  DirectionSent,
			PeerID:     "peer-1",
			Status:     StatusCompleted,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		})
		if err != nil {
			t.Fatalf("Record %s: %v", name, err)
		}
	}

	records, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].FileName != "third.txt" {
		t.Errorf("expected newest first, got %s", records[0].FileName)
	}

	limited, err := s.List(2)
	if err != nil {
		t.Fatalf("List(2): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 records with the limit, got %d", len(limited))
	}
}

func TestFailedTransfersAreKept(t *testing.T) {
	s := newTestStore(t)

	err := s.Record(&TransferRecord{
		FileID:     "f1",
		FileName:   "broken.bin",
		Direction:  DirectionReceived,
		PeerID:     "peer-2",
		Status:     StatusFailed,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	records, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].Status != StatusFailed {
		t.Fatalf("expected the failed transfer in the history, got %+v", records)
	}
}
