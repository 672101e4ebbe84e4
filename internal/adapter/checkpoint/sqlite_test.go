package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"fleetcore/internal/domain"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "checkpoint.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dbPath
}

func caps(id string) domain.AgentCapabilities {
	return domain.AgentCapabilities{
		AgentID:            id,
		AgentType:          "worker",
		SupportedTools:     []string{"search", "summarize"},
		SupportedIntents:   []string{"research"},
		MaxConcurrentTasks: 4,
	}
}

func TestSaveAndLoadAll(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.SaveAgent(ctx, caps(id)); err != nil {
			t.Fatalf("SaveAgent(%s): %v", id, err)
		}
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("LoadAll returned %d agents, want 3", len(all))
	}
	for _, c := range all {
		if c.AgentType != "worker" || c.MaxConcurrentTasks != 4 {
			t.Errorf("agent %s: capabilities not preserved: %+v", c.AgentID, c)
		}
		if len(c.SupportedTools) != 2 {
			t.Errorf("agent %s: tools = %v, want 2 entries", c.AgentID, c.SupportedTools)
		}
	}
}

func TestSaveAgentUpserts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveAgent(ctx, caps("a")); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	updated := caps("a")
	updated.MaxConcurrentTasks = 8
	if err := store.SaveAgent(ctx, updated); err != nil {
		t.Fatalf("SaveAgent (update): %v", err)
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("LoadAll returned %d agents, want 1", len(all))
	}
	if all[0].MaxConcurrentTasks != 8 {
		t.Errorf("MaxConcurrentTasks = %d, want 8", all[0].MaxConcurrentTasks)
	}
}

func TestDeleteAgent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveAgent(ctx, caps("a")); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := store.DeleteAgent(ctx, "a"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	// Deleting an unknown agent is a no-op.
	if err := store.DeleteAgent(ctx, "ghost"); err != nil {
		t.Fatalf("DeleteAgent(ghost): %v", err)
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("LoadAll returned %d agents after delete, want 0", len(all))
	}
}

func TestSurvivesReopen(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveAgent(ctx, caps("a")); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore (reopen): %v", err)
	}
	defer reopened.Close()

	all, err := reopened.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 1 || all[0].AgentID != "a" {
		t.Fatalf("reopened store lost data: %+v", all)
	}
}

func TestLoadAllSkipsCorruptRows(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveAgent(ctx, caps("good")); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if _, err := store.db.Exec(
		"INSERT INTO agents (agent_id, capabilities, updated_at) VALUES ('bad', 'not json', '2026-01-01T00:00:00Z')",
	); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 1 || all[0].AgentID != "good" {
		t.Fatalf("expected only the good row, got %+v", all)
	}
}
