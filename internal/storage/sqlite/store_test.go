package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"

	"profilestore/internal/domain"
	"profilestore/internal/storage"
)

func openPartition(t *testing.T, s *Store, p domain.PartitionID) storage.Partition {
	t.Helper()
	part, err := s.Open(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	return part
}

func TestSchemaInitializationCreatesExpectedTables(t *testing.T) {
	s, err := NewStore(t.TempDir(), 4)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	part := openPartition(t, s, 0).(*Partition)
	for _, table := range []string{"profiles", "search_index", "partition_meta"} {
		var cnt int
		if err := part.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&cnt); err != nil {
			t.Fatal(err)
		}
		if cnt != 1 {
			t.Fatalf("%s table missing", table)
		}
	}
}

func TestApplyWritesRecordIndexAndOffsetTogether(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir(), 4)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	part := openPartition(t, s, 1)

	rec := &domain.ProfileRecord{UID: "u1", Username: "alice", Name: "Alice"}
	if err := part.Apply(ctx, storage.Mutation{Offset: 0, Key: "u1", EventID: "e1", Record: rec, Terms: []string{"alice"}}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := part.Get(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%t err=%v", ok, err)
	}
	if got.Name != "Alice" {
		t.Fatalf("unexpected record %+v", got)
	}
	hits, err := part.Search(ctx, "alice")
	if err != nil || len(hits) != 1 || hits[0].UID != "u1" {
		t.Fatalf("search: %+v err=%v", hits, err)
	}
	off, ok, err := part.AppliedOffset(ctx)
	if err != nil || !ok || off != 0 {
		t.Fatalf("applied offset = %d ok=%t err=%v", off, ok, err)
	}

	renamed := &domain.ProfileRecord{UID: "u1", Username: "alicia"}
	if err := part.Apply(ctx, storage.Mutation{Offset: 1, Key: "u1", EventID: "e2", Record: renamed, Terms: []string{"alicia"}}); err != nil {
		t.Fatal(err)
	}
	if hits, _ := part.Search(ctx, "alice"); len(hits) != 0 {
		t.Fatalf("previous terms must be dropped, got %+v", hits)
	}
	if hits, _ := part.Search(ctx, "alicia"); len(hits) != 1 {
		t.Fatalf("expected new term to be indexed")
	}

	if err := part.Apply(ctx, storage.Mutation{Offset: 2, Key: "u1", EventID: "e3"}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := part.Get(ctx, "u1"); ok {
		t.Fatalf("delete must remove the record")
	}
	if hits, _ := part.Search(ctx, "alicia"); len(hits) != 0 {
		t.Fatalf("delete must remove index terms")
	}
}

func TestApplyIgnoresRedeliveredOffsets(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir(), 4)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	part := openPartition(t, s, 2)

	if err := part.Apply(ctx, storage.Mutation{Offset: 5, Key: "k", Record: &domain.ProfileRecord{UID: "k", Name: "new"}}); err != nil {
		t.Fatal(err)
	}
	if err := part.Apply(ctx, storage.Mutation{Offset: 4, Key: "k", Record: &domain.ProfileRecord{UID: "k", Name: "old"}}); err != nil {
		t.Fatal(err)
	}
	if err := part.Skip(ctx, 3); err != nil {
		t.Fatal(err)
	}
	got, _, _ := part.Get(ctx, "k")
	if got.Name != "new" {
		t.Fatalf("redelivered offset overwrote newer state: %+v", got)
	}
	if off, _, _ := part.AppliedOffset(ctx); off != 5 {
		t.Fatalf("applied offset moved backwards: %d", off)
	}
	if err := part.Skip(ctx, 6); err != nil {
		t.Fatal(err)
	}
	if off, _, _ := part.AppliedOffset(ctx); off != 6 {
		t.Fatalf("skip should advance the offset, got %d", off)
	}
}

func TestRecoveryReopenWALDatabases(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	{
		s, err := NewStore(dir, 8)
		if err != nil {
			t.Fatal(err)
		}
		part := openPartition(t, s, 3)
		if err := part.Apply(ctx, storage.Mutation{Offset: 41, Key: "recover", Record: &domain.ProfileRecord{UID: "recover"}}); err != nil {
			t.Fatal(err)
		}
		_ = s.Close()
	}

	s2, err := NewStore(dir, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	part := openPartition(t, s2, 3)
	if _, ok, err := part.Get(ctx, "recover"); err != nil || !ok {
		t.Fatalf("record lost across reopen: ok=%t err=%v", ok, err)
	}
	resume, err := storage.ResumeOffset(ctx, part)
	if err != nil {
		t.Fatal(err)
	}
	if resume != 42 {
		t.Fatalf("resume offset = %d, want 42", resume)
	}
}

func TestPartitionCountMismatchRequiresReset(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewStore(dir, 8)
	if err != nil {
		t.Fatal(err)
	}
	_ = openPartition(t, s, 0)
	_ = s.Close()

	s2, err := NewStore(dir, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	_, err = s2.Open(ctx, 0)
	if !errors.Is(err, domain.ErrStorageFailure) || !strings.Contains(err.Error(), "reset required") {
		t.Fatalf("expected reset-required storage failure, got %v", err)
	}
	if err := s2.Reset(); err != nil {
		t.Fatal(err)
	}
	part, err := s2.Open(ctx, 0)
	if err != nil {
		t.Fatalf("open after reset: %v", err)
	}
	if _, ok, _ := part.AppliedOffset(ctx); ok {
		t.Fatalf("reset partition must start from scratch")
	}
}

func TestResetRefusesOpenPartitions(t *testing.T) {
	s, err := NewStore(t.TempDir(), 4)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	part := openPartition(t, s, 1)
	if err := s.Reset(); err == nil {
		t.Fatalf("reset must fail while partitions are open")
	}
	if _, err := s.Open(context.Background(), 1); !errors.Is(err, ErrPartitionOpen) {
		t.Fatalf("double open must fail, got %v", err)
	}
	_ = part.Close()
	if err := s.Reset(); err != nil {
		t.Fatalf("reset after close: %v", err)
	}
}

func TestSQLiteWALModeEnabled(t *testing.T) {
	s, err := NewStore(t.TempDir(), 4)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	part := openPartition(t, s, 1).(*Partition)
	var mode string
	if err := part.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal mode must be WAL, got %q", mode)
	}
}
