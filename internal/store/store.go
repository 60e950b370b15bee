package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultProjectTTL = time.Hour
	defaultTaskTTL    = 5 * time.Minute
	defaultNoteTTL    = 5 * time.Minute
)

var (
	// ErrNotFound indicates no usable cached document exists for the id.
	// Documents missing cache metadata are reported as not found rather
	// than surfaced as corrupt.
	ErrNotFound = errors.New("store: document not found")
	// ErrPersistence indicates the underlying store rejected a write or read.
	ErrPersistence = errors.New("store: persistence failure")

	errMissingDatabase = errors.New("database handle is required")
)

// Config describes the dependencies required by the cache store.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	ProjectTTL time.Duration
	TaskTTL    time.Duration
	NoteTTL    time.Duration
}

// Store persists validated remote entities with expiry metadata and serves
// them back with a freshness verdict. Freshness never filters reads; it is
// metadata for the caller to act on.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	projectTTL time.Duration
	taskTTL    time.Duration
	noteTTL    time.Duration
}

// BatchOutcome reports how many documents of a batch were written and how
// many were rejected by validation.
type BatchOutcome struct {
	Written int
	Failed  int
}

// New constructs the cache store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("store: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	projectTTL := cfg.ProjectTTL
	if projectTTL <= 0 {
		projectTTL = defaultProjectTTL
	}
	taskTTL := cfg.TaskTTL
	if taskTTL <= 0 {
		taskTTL = defaultTaskTTL
	}
	noteTTL := cfg.NoteTTL
	if noteTTL <= 0 {
		noteTTL = defaultNoteTTL
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		projectTTL: projectTTL,
		taskTTL:    taskTTL,
		noteTTL:    noteTTL,
	}, nil
}

// UpsertProjects validates and writes a batch of raw project payloads.
// Invalid documents are skipped and counted; a write error stops the batch
// and surfaces ErrPersistence alongside the counts accumulated so far.
func (s *Store) UpsertProjects(ctx context.Context, items []json.RawMessage, fetchedAt time.Time) (BatchOutcome, error) {
	outcome := BatchOutcome{}
	for _, raw := range items {
		project, err := decodeProject(raw)
		if err != nil {
			outcome.Failed++
			s.logger.Warn("project rejected", zap.Error(err))
			continue
		}
		stampCacheMetadata(&project.LastUpdated, &project.CacheExpiry, fetchedAt, s.projectTTL)
		if err := s.replaceByID(ctx, &project); err != nil {
			return outcome, err
		}
		outcome.Written++
	}
	return outcome, nil
}

// UpsertTasks validates and writes a batch of raw task payloads.
func (s *Store) UpsertTasks(ctx context.Context, items []json.RawMessage, fetchedAt time.Time) (BatchOutcome, error) {
	outcome := BatchOutcome{}
	for _, raw := range items {
		task, err := decodeTask(raw)
		if err != nil {
			outcome.Failed++
			s.logger.Warn("task rejected", zap.Error(err))
			continue
		}
		stampCacheMetadata(&task.LastUpdated, &task.CacheExpiry, fetchedAt, s.taskTTL)
		if err := s.replaceByID(ctx, &task); err != nil {
			return outcome, err
		}
		outcome.Written++
	}
	return outcome, nil
}

// UpsertNotes validates and writes a batch of raw note payloads.
func (s *Store) UpsertNotes(ctx context.Context, items []json.RawMessage, fetchedAt time.Time) (BatchOutcome, error) {
	outcome := BatchOutcome{}
	for _, raw := range items {
		note, err := decodeNote(raw)
		if err != nil {
			outcome.Failed++
			s.logger.Warn("note rejected", zap.Error(err))
			continue
		}
		stampCacheMetadata(&note.LastUpdated, &note.CacheExpiry, fetchedAt, s.noteTTL)
		if err := s.replaceByID(ctx, &note); err != nil {
			return outcome, err
		}
		outcome.Written++
	}
	return outcome, nil
}

// GetProject returns the cached project and whether it is still fresh.
func (s *Store) GetProject(ctx context.Context, id string) (Project, bool, error) {
	var project Project
	if err := s.takeByID(ctx, &project, id); err != nil {
		return Project{}, false, err
	}
	if corruptMetadata(project.LastUpdated, project.CacheExpiry) {
		return Project{}, false, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return project, s.fresh(project.CacheExpiry), nil
}

// GetTask returns the cached task and whether it is still fresh.
func (s *Store) GetTask(ctx context.Context, id string) (Task, bool, error) {
	var task Task
	if err := s.takeByID(ctx, &task, id); err != nil {
		return Task{}, false, err
	}
	if corruptMetadata(task.LastUpdated, task.CacheExpiry) {
		return Task{}, false, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return task, s.fresh(task.CacheExpiry), nil
}

// GetNote returns the cached note and whether it is still fresh.
func (s *Store) GetNote(ctx context.Context, id string) (Note, bool, error) {
	var note Note
	if err := s.takeByID(ctx, &note, id); err != nil {
		return Note{}, false, err
	}
	if corruptMetadata(note.LastUpdated, note.CacheExpiry) {
		return Note{}, false, fmt.Errorf("%w: note %s", ErrNotFound, id)
	}
	return note, s.fresh(note.CacheExpiry), nil
}

// ListProjects returns all cached projects regardless of freshness.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := s.db.WithContext(ctx).Order("name").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("%w: listing projects: %v", ErrPersistence, err)
	}
	return projects, nil
}

// ListTasks returns all cached tasks regardless of freshness.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := s.db.WithContext(ctx).Order("id").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("%w: listing tasks: %v", ErrPersistence, err)
	}
	return tasks, nil
}

// ListTasksByProject returns cached tasks referencing the given project. The
// project itself does not have to be cached.
func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]Task, error) {
	var tasks []Task
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("%w: listing tasks for project %s: %v", ErrPersistence, projectID, err)
	}
	return tasks, nil
}

// ListNotes returns all cached notes regardless of freshness.
func (s *Store) ListNotes(ctx context.Context) ([]Note, error) {
	var notes []Note
	if err := s.db.WithContext(ctx).Order("id").Find(&notes).Error; err != nil {
		return nil, fmt.Errorf("%w: listing notes: %v", ErrPersistence, err)
	}
	return notes, nil
}

// Ping probes store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// replaceByID performs the store-native insert-or-replace keyed on the id
// column. Upsert idempotency relies on this primitive, never on
// read-then-write.
func (s *Store) replaceByID(ctx context.Context, document any) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(document).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Store) takeByID(ctx context.Context, document any, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Store) fresh(cacheExpiry int64) bool {
	return s.clock().UTC().Unix() < cacheExpiry
}

// stampCacheMetadata derives the expiry from the fetch time. This is the
// only place cache_expiry is computed.
func stampCacheMetadata(lastUpdated, cacheExpiry *int64, fetchedAt time.Time, ttl time.Duration) {
	fetched := fetchedAt.UTC()
	*lastUpdated = fetched.Unix()
	*cacheExpiry = fetched.Add(ttl).Unix()
}

func corruptMetadata(lastUpdated, cacheExpiry int64) bool {
	return lastUpdated <= 0 || cacheExpiry <= 0
}
