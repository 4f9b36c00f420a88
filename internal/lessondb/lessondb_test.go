package lessondb

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "lessons.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	l := Lesson{
		Key:       "k1",
		Kind:      KindLearnedLesson,
		Content:   "CRITICAL: always back up X",
		Tags:      []string{"researcher", "Senior Dev"},
		CreatedAt: time.Now(),
	}
	if err := s.Save(ctx, l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("lesson not found")
	}
	if got.Content != l.Content {
		t.Errorf("content = %q", got.Content)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "researcher" {
		t.Errorf("tags = %v", got.Tags)
	}

	// Lessons are immutable; a duplicate key is rejected.
	if err := s.Save(ctx, l); err == nil {
		t.Error("duplicate key accepted")
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	got, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("got = %v, want nil", got)
	}
}

func TestByTag(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.Save(ctx, Lesson{Key: "a", Kind: KindLearnedLesson, Content: "x", Tags: []string{"agent-1"}, CreatedAt: time.Now()})
	s.Save(ctx, Lesson{Key: "b", Kind: KindLearnedLesson, Content: "y", Tags: []string{"agent-2"}, CreatedAt: time.Now()})

	got, err := s.ByTag(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	if len(got) != 1 || got[0].Key != "a" {
		t.Errorf("ByTag = %v", got)
	}
}

func TestPruneSparesLearnedLessons(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	s.Save(ctx, Lesson{Key: "keep", Kind: KindLearnedLesson, Content: "old but precious", Tags: []string{}, CreatedAt: old})
	s.Save(ctx, Lesson{Key: "drop", Kind: "note", Content: "stale", Tags: []string{}, CreatedAt: old})
	s.Save(ctx, Lesson{Key: "fresh", Kind: "note", Content: "recent", Tags: []string{}, CreatedAt: time.Now()})

	n, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if got, _ := s.Get(ctx, "keep"); got == nil {
		t.Error("learned lesson was pruned")
	}
	if got, _ := s.Get(ctx, "drop"); got != nil {
		t.Error("stale note survived pruning")
	}
	if got, _ := s.Get(ctx, "fresh"); got == nil {
		t.Error("recent note was pruned")
	}
}
