package relay

import (
	"context"
	"testing"
)

func TestWorkspaceRegistry_LoadActiveDefaultsWhenAbsent(t *testing.T) {
	store := newFakeStore()
	reg := NewWorkspaceRegistry(store, nil)
	key := NewTopicKey("1", NullThreadID())

	path := reg.LoadActive(context.Background(), key, "/default")
	if path != "/default" {
		t.Fatalf("LoadActive() = %q, want /default", path)
	}

	hist, err := reg.History(context.Background(), key)
	if err != nil || len(hist) != 1 || hist[0].WorkspacePath != "/default" {
		t.Fatalf("history = %+v, %v", hist, err)
	}
}

func TestWorkspaceRegistry_ReadThroughFromStoreAfterMemoryMiss(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	key := NewTopicKey("1", NullThreadID())
	if err := store.SetTopicWorkspace(ctx, key, "/from-store"); err != nil {
		t.Fatal(err)
	}

	reg := NewWorkspaceRegistry(store, nil)
	path := reg.LoadActive(ctx, key, "/default")
	if path != "/from-store" {
		t.Fatalf("LoadActive() = %q, want read-through /from-store", path)
	}
}

func TestWorkspaceRegistry_SetActiveWritesThroughAndTouchesHistory(t *testing.T) {
	store := newFakeStore()
	reg := NewWorkspaceRegistry(store, nil)
	ctx := context.Background()
	key := NewTopicKey("1", NullThreadID())

	if err := reg.SetActive(ctx, key, "/work"); err != nil {
		t.Fatal(err)
	}

	path := reg.LoadActive(ctx, key, "/default")
	if path != "/work" {
		t.Fatalf("LoadActive() = %q after SetActive, want /work", path)
	}
	stored, ok, err := store.GetTopicWorkspace(ctx, key)
	if err != nil || !ok || stored != "/work" {
		t.Fatalf("store row = %q, %v, %v", stored, ok, err)
	}
	hist, _ := reg.History(ctx, key)
	if len(hist) != 1 || hist[0].WorkspacePath != "/work" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestWorkspaceRegistry_DegradesToMemoryOnlyWithoutCapableStore(t *testing.T) {
	reg := NewWorkspaceRegistry(nil, nil)
	ctx := context.Background()
	key := NewTopicKey("1", NullThreadID())

	if err := reg.SetActive(ctx, key, "/mem"); err != nil {
		t.Fatal(err)
	}
	if path := reg.LoadActive(ctx, key, "/default"); path != "/mem" {
		t.Fatalf("LoadActive() = %q, want /mem", path)
	}
	hist, err := reg.History(ctx, key)
	if err != nil || hist != nil {
		t.Fatalf("a store-less registry must report no history, got %+v, %v", hist, err)
	}
}
