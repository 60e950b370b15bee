package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func newTestStore(t *testing.T, clock *manualClock) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Project{}, &Task{}, &Note{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	cfg := Config{
		Database:   db,
		ProjectTTL: time.Hour,
		TaskTTL:    5 * time.Minute,
		NoteTTL:    5 * time.Minute,
	}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	cacheStore, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return cacheStore, db
}

func rawDocument(t *testing.T, value map[string]any) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to encode document: %v", err)
	}
	return encoded
}

func TestUpsertProjectIsIdempotentOverwrite(t *testing.T) {
	cacheStore, db := newTestStore(t, nil)
	firstFetch := time.Unix(1700000000, 0).UTC()
	secondFetch := firstFetch.Add(10 * time.Minute)

	first := rawDocument(t, map[string]any{"id": "p1", "name": "Work"})
	second := rawDocument(t, map[string]any{"id": "p1", "name": "Work renamed"})

	if _, err := cacheStore.UpsertProjects(context.Background(), []json.RawMessage{first}, firstFetch); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if _, err := cacheStore.UpsertProjects(context.Background(), []json.RawMessage{second}, secondFetch); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	var count int64
	if err := db.Model(&Project{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}

	var stored Project
	if err := db.Where("id = ?", "p1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload project: %v", err)
	}
	if stored.Name != "Work renamed" {
		t.Fatalf("expected second write to win, got %q", stored.Name)
	}
	if stored.LastUpdated != secondFetch.Unix() {
		t.Fatalf("expected last_updated from second write, got %d", stored.LastUpdated)
	}
	if stored.CacheExpiry != secondFetch.Add(time.Hour).Unix() {
		t.Fatalf("expected expiry derived from second write, got %d", stored.CacheExpiry)
	}
}

func TestFreshnessFollowsTTLBoundary(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	cacheStore, _ := newTestStore(t, clock)

	document := rawDocument(t, map[string]any{"id": "p1", "name": "Work"})
	if _, err := cacheStore.UpsertProjects(context.Background(), []json.RawMessage{document}, clock.now); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	clock.now = clock.now.Add(1800 * time.Second)
	project, fresh, err := cacheStore.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !fresh {
		t.Fatalf("expected document to be fresh at half TTL")
	}
	if project.Name != "Work" {
		t.Fatalf("unexpected project name %q", project.Name)
	}

	clock.now = time.Unix(1700000000, 0).UTC().Add(3700 * time.Second)
	project, fresh, err = cacheStore.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get after expiry failed: %v", err)
	}
	if fresh {
		t.Fatalf("expected document to be stale past TTL")
	}
	if project.Name != "Work" {
		t.Fatalf("expected attributes unchanged until the next sync, got %q", project.Name)
	}
}

func TestFreshnessBoundaryIsExclusive(t *testing.T) {
	fetchedAt := time.Unix(1700000000, 0).UTC()
	clock := &manualClock{now: fetchedAt}
	cacheStore, _ := newTestStore(t, clock)

	document := rawDocument(t, map[string]any{"id": "p1", "name": "Work"})
	if _, err := cacheStore.UpsertProjects(context.Background(), []json.RawMessage{document}, fetchedAt); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	clock.now = fetchedAt.Add(time.Hour)
	if _, fresh, err := cacheStore.GetProject(context.Background(), "p1"); err != nil || fresh {
		t.Fatalf("expected stale exactly at fetchedAt+ttl, fresh=%v err=%v", fresh, err)
	}

	clock.now = fetchedAt.Add(time.Hour - time.Second)
	if _, fresh, err := cacheStore.GetProject(context.Background(), "p1"); err != nil || !fresh {
		t.Fatalf("expected fresh just before fetchedAt+ttl, fresh=%v err=%v", fresh, err)
	}
}

func TestValidationRejectionLeavesPriorDocumentUntouched(t *testing.T) {
	cacheStore, _ := newTestStore(t, nil)
	fetchedAt := time.Unix(1700000000, 0).UTC()

	valid := rawDocument(t, map[string]any{"id": "p1", "name": "Work"})
	if _, err := cacheStore.UpsertProjects(context.Background(), []json.RawMessage{valid}, fetchedAt); err != nil {
		t.Fatalf("valid upsert failed: %v", err)
	}

	invalid := rawDocument(t, map[string]any{"id": "p1"})
	outcome, err := cacheStore.UpsertProjects(context.Background(), []json.RawMessage{invalid}, fetchedAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("batch with invalid document should not error: %v", err)
	}
	if outcome.Written != 0 || outcome.Failed != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	project, _, err := cacheStore.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if project.Name != "Work" {
		t.Fatalf("expected prior document to survive, got %q", project.Name)
	}
	if project.LastUpdated != fetchedAt.Unix() {
		t.Fatalf("expected prior metadata to survive, got %d", project.LastUpdated)
	}
}

func TestUpsertTasksSkipsInvalidAndKeepsRest(t *testing.T) {
	cacheStore, _ := newTestStore(t, nil)
	fetchedAt := time.Unix(1700000000, 0).UTC()

	batch := []json.RawMessage{
		rawDocument(t, map[string]any{"id": "t1", "title": "First", "projectId": "p1", "status": 0}),
		rawDocument(t, map[string]any{"id": "t2", "projectId": "p1", "status": 0}),
		rawDocument(t, map[string]any{"id": "t3", "title": "Third", "projectId": "p1", "status": 2}),
	}

	outcome, err := cacheStore.UpsertTasks(context.Background(), batch, fetchedAt)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if outcome.Written != 2 || outcome.Failed != 1 {
		t.Fatalf("expected 2 written and 1 failed, got %+v", outcome)
	}

	for _, id := range []string{"t1", "t3"} {
		if _, _, err := cacheStore.GetTask(context.Background(), id); err != nil {
			t.Fatalf("expected task %s to be retrievable: %v", id, err)
		}
	}
	if _, _, err := cacheStore.GetTask(context.Background(), "t2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected invalid task to be absent, got %v", err)
	}
}

func TestTaskStatusZeroIsValidButMissingStatusIsNot(t *testing.T) {
	cacheStore, _ := newTestStore(t, nil)
	fetchedAt := time.Unix(1700000000, 0).UTC()

	withZero := rawDocument(t, map[string]any{"id": "t1", "title": "A", "projectId": "p1", "status": 0})
	without := rawDocument(t, map[string]any{"id": "t2", "title": "B", "projectId": "p1"})

	outcome, err := cacheStore.UpsertTasks(context.Background(), []json.RawMessage{withZero, without}, fetchedAt)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if outcome.Written != 1 || outcome.Failed != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestGetMissingDocumentReturnsNotFound(t *testing.T) {
	cacheStore, _ := newTestStore(t, nil)
	if _, _, err := cacheStore.GetProject(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDocumentMissingCacheMetadataIsACacheMiss(t *testing.T) {
	cacheStore, db := newTestStore(t, nil)

	corrupt := Project{ID: "p1", Name: "Work"}
	if err := db.Create(&corrupt).Error; err != nil {
		t.Fatalf("failed to seed corrupt row: %v", err)
	}

	if _, _, err := cacheStore.GetProject(context.Background(), "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected corrupt document to read as cache miss, got %v", err)
	}
}

func TestListTasksByProjectToleratesDanglingReference(t *testing.T) {
	cacheStore, _ := newTestStore(t, nil)
	fetchedAt := time.Unix(1700000000, 0).UTC()

	batch := []json.RawMessage{
		rawDocument(t, map[string]any{"id": "t1", "title": "A", "projectId": "p1", "status": 0}),
		rawDocument(t, map[string]any{"id": "t2", "title": "B", "projectId": "p2", "status": 0}),
	}
	if _, err := cacheStore.UpsertTasks(context.Background(), batch, fetchedAt); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// p2 was never cached as a project; the task must still be listable.
	tasks, err := cacheStore.ListTasksByProject(context.Background(), "p2")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestListReturnsStaleDocuments(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	cacheStore, _ := newTestStore(t, clock)

	document := rawDocument(t, map[string]any{"id": "n1", "title": "Idea", "content": "jot"})
	if _, err := cacheStore.UpsertNotes(context.Background(), []json.RawMessage{document}, clock.now); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	clock.now = clock.now.Add(24 * time.Hour)
	notes, err := cacheStore.ListNotes(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("freshness must never filter listings, got %d notes", len(notes))
	}
}

func TestDecodeDropsUnknownRemoteFields(t *testing.T) {
	cacheStore, _ := newTestStore(t, nil)
	fetchedAt := time.Unix(1700000000, 0).UTC()

	document := rawDocument(t, map[string]any{
		"id": "p1", "name": "Work", "color": "#ff0000",
		"sortOrder": 12, "viewMode": "kanban", "kind": "TASK",
	})
	outcome, err := cacheStore.UpsertProjects(context.Background(), []json.RawMessage{document}, fetchedAt)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if outcome.Written != 1 {
		t.Fatalf("expected unknown fields to be ignorable, got %+v", outcome)
	}

	project, _, err := cacheStore.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if project.Color != "#ff0000" {
		t.Fatalf("expected known fields retained, got %q", project.Color)
	}
}
