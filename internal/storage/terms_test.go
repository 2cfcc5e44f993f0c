package storage

import (
	"testing"

	"profilestore/internal/domain"

	"github.com/google/go-cmp/cmp"
)

func TestTermsCoverUsernameEmailAndNameTokens(t *testing.T) {
	got := Terms(domain.ProfileRecord{
		UID:      "u-1",
		Username: "Alice",
		Email:    "Alice@Example.com ",
		Name:     "Alice  van Dyke",
	})
	want := []string{"alice", "alice@example.com", "dyke", "van"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("terms mismatch (-want +got):\n%s", diff)
	}
}

func TestMutationForDelete(t *testing.T) {
	m := MutationFor(7, domain.ChangeEvent{Type: domain.EventDelete, Key: "u-1", EventID: "e-2"})
	if m.Record != nil || len(m.Terms) != 0 {
		t.Fatalf("delete mutation carries data: %+v", m)
	}
	if m.Offset != 7 || m.Key != "u-1" || m.EventID != "e-2" {
		t.Fatalf("unexpected mutation %+v", m)
	}
}

func TestMutationForUpdateCopiesRecord(t *testing.T) {
	rec := &domain.ProfileRecord{UID: "u-1", Username: "bob"}
	m := MutationFor(3, domain.ChangeEvent{Type: domain.EventUpdate, Key: "u-1", Profile: rec})
	rec.Username = "changed"
	if m.Record == nil || m.Record.Username != "bob" {
		t.Fatalf("mutation should hold its own copy, got %+v", m.Record)
	}
	if diff := cmp.Diff([]string{"bob"}, m.Terms); diff != "" {
		t.Fatalf("terms mismatch (-want +got):\n%s", diff)
	}
}
