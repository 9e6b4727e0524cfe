package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "backhaulctl.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAppendAndRecent(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{OccurredAt: base, Op: "create-client", Instance: "203.0.113.5_443", Outcome: "succeeded"},
		{OccurredAt: base.Add(time.Minute), Op: "enable-start", Instance: "203.0.113.5_443", Outcome: "succeeded"},
		{OccurredAt: base.Add(2 * time.Minute), Op: "core-install", Outcome: "succeeded", Detail: "v0.6.6"},
	}
	for _, e := range entries {
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s): %v", e.Op, err)
		}
	}

	got, err := j.Recent(ctx, 0, "")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent = %d entries, want 3", len(got))
	}
	if got[0].Op != "core-install" || got[2].Op != "create-client" {
		t.Errorf("order = [%s %s %s], want newest first", got[0].Op, got[1].Op, got[2].Op)
	}
	if !got[0].OccurredAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("OccurredAt = %s, want %s", got[0].OccurredAt, base.Add(2*time.Minute))
	}
	if got[0].Detail != "v0.6.6" {
		t.Errorf("Detail = %q, want v0.6.6", got[0].Detail)
	}
}

func TestRecentFiltersByInstance(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	ctx := context.Background()

	for _, e := range []Entry{
		{Op: "enable-start", Instance: "iran_443", Outcome: "succeeded"},
		{Op: "restart", Instance: "iran_8080", Outcome: "warning"},
		{Op: "delete", Instance: "iran_443", Outcome: "partial"},
	} {
		if err := j.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.Recent(ctx, 10, "iran_443")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(iran_443) = %d entries, want 2", len(got))
	}
	for _, e := range got {
		if e.Instance != "iran_443" {
			t.Errorf("entry %d instance = %q, want iran_443", e.ID, e.Instance)
		}
	}
}

func TestRecentClampsLimit(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := j.Append(ctx, Entry{Op: "restart", Instance: "iran_443", Outcome: "succeeded"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.Recent(ctx, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(limit=2) = %d entries, want 2", len(got))
	}
}
