package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fetchlab/tickmirror/internal/remote"
	"github.com/fetchlab/tickmirror/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultBatchSize = 50

var (
	// ErrRunAborted wraps the unrecoverable failure that stopped a run.
	ErrRunAborted = errors.New("syncer: run aborted")

	errMissingFetcher    = errors.New("page fetcher is required")
	errMissingCache      = errors.New("cache store is required")
	errMissingIDProvider = errors.New("run id provider is required")
)

// PageFetcher produces entity pages from the remote service. It owns rate
// limiting and retry; the orchestrator only sees final outcomes.
type PageFetcher interface {
	FetchPage(ctx context.Context, kind remote.EntityKind, pageToken string) (remote.Page, error)
}

// CacheWriter persists validated entity batches and reports connectivity.
type CacheWriter interface {
	UpsertProjects(ctx context.Context, items []json.RawMessage, fetchedAt time.Time) (store.BatchOutcome, error)
	UpsertTasks(ctx context.Context, items []json.RawMessage, fetchedAt time.Time) (store.BatchOutcome, error)
	UpsertNotes(ctx context.Context, items []json.RawMessage, fetchedAt time.Time) (store.BatchOutcome, error)
	Ping(ctx context.Context) error
}

// RunIDProvider issues identifiers for sync runs.
type RunIDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required by the orchestrator.
type ServiceConfig struct {
	Fetcher    PageFetcher
	Cache      CacheWriter
	IDProvider RunIDProvider
	// BatchSize bounds how many documents are handed to the store per write.
	BatchSize int
	// WorkerLimit bounds concurrency across entity kinds after the project
	// barrier. Pages within one kind are always sequential.
	WorkerLimit int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service drives synchronization runs: projects first, then tasks and notes
// under bounded concurrency, batching writes and aggregating per-kind
// outcomes into a RunResult.
type Service struct {
	fetcher     PageFetcher
	cache       CacheWriter
	idProvider  RunIDProvider
	batchSize   int
	workerLimit int
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService constructs the orchestrator with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingFetcher)
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingCache)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingIDProvider)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	workerLimit := cfg.WorkerLimit
	if workerLimit <= 0 {
		workerLimit = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		fetcher:     cfg.Fetcher,
		cache:       cfg.Cache,
		idProvider:  cfg.IDProvider,
		batchSize:   batchSize,
		workerLimit: workerLimit,
		clock:       clock,
		logger:      logger,
	}, nil
}

// SyncAll runs a full synchronization across every entity kind. Projects are
// synced first so task-to-project references resolve right after the run;
// tasks and notes then proceed concurrently within the worker limit. A kind
// failure is isolated; only authentication failures, cancellation, or a dead
// store abort the run.
func (s *Service) SyncAll(ctx context.Context) (RunResult, error) {
	runID, err := s.idProvider.NewID()
	if err != nil {
		return RunResult{}, fmt.Errorf("syncer: run id: %w", err)
	}

	result := newRunResult(runID, s.clock().UTC(), remote.Kinds())
	s.logger.Info("sync run starting", zap.String("run_id", runID))

	projectResult, fatalErr := s.syncKind(ctx, runID, remote.KindProject)
	result.Kinds[remote.KindProject] = projectResult
	if fatalErr != nil {
		result.finalize(s.clock().UTC(), true)
		s.logRunResult(result)
		return result, fmt.Errorf("%w: %v", ErrRunAborted, fatalErr)
	}

	var taskResult, noteResult KindResult
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workerLimit)
	group.Go(func() error {
		var fatal error
		taskResult, fatal = s.syncKind(groupCtx, runID, remote.KindTask)
		return fatal
	})
	group.Go(func() error {
		var fatal error
		noteResult, fatal = s.syncKind(groupCtx, runID, remote.KindNote)
		return fatal
	})
	fatalErr = group.Wait()

	result.Kinds[remote.KindTask] = taskResult
	result.Kinds[remote.KindNote] = noteResult
	result.finalize(s.clock().UTC(), fatalErr != nil)
	s.logRunResult(result)

	if fatalErr != nil {
		return result, fmt.Errorf("%w: %v", ErrRunAborted, fatalErr)
	}
	return result, nil
}

// SyncEntityKind runs a synchronization scoped to a single entity kind.
func (s *Service) SyncEntityKind(ctx context.Context, kind remote.EntityKind) (RunResult, error) {
	if _, err := remote.ParseEntityKind(kind.String()); err != nil {
		return RunResult{}, err
	}

	runID, err := s.idProvider.NewID()
	if err != nil {
		return RunResult{}, fmt.Errorf("syncer: run id: %w", err)
	}

	result := newRunResult(runID, s.clock().UTC(), []remote.EntityKind{kind})
	kindResult, fatalErr := s.syncKind(ctx, runID, kind)
	result.Kinds[kind] = kindResult
	result.finalize(s.clock().UTC(), fatalErr != nil)
	s.logRunResult(result)

	if fatalErr != nil {
		return result, fmt.Errorf("%w: %v", ErrRunAborted, fatalErr)
	}
	return result, nil
}

// syncKind pages through one collection, persisting each page in batches.
// The returned error is non-nil only for failures that must abort the whole
// run; recoverable failures are folded into the KindResult.
func (s *Service) syncKind(ctx context.Context, runID string, kind remote.EntityKind) (KindResult, error) {
	kindResult := KindResult{State: KindStateDone}
	pageToken := ""

	for {
		if err := ctx.Err(); err != nil {
			kindResult.State = KindStateFailed
			kindResult.Err = err
			return kindResult, err
		}

		page, err := s.fetcher.FetchPage(ctx, kind, pageToken)
		if err != nil {
			kindResult.State = KindStateFailed
			kindResult.Err = err
			if fatal := s.classifyFatal(ctx, err); fatal != nil {
				return kindResult, fatal
			}
			s.logger.Warn("entity kind failed",
				zap.String("run_id", runID),
				zap.String("kind", kind.String()),
				zap.Error(err))
			return kindResult, nil
		}

		fetchedAt := s.clock().UTC()
		kindResult.Fetched += len(page.Items)

		for start := 0; start < len(page.Items); start += s.batchSize {
			if err := ctx.Err(); err != nil {
				kindResult.State = KindStateFailed
				kindResult.Err = err
				return kindResult, err
			}
			end := start + s.batchSize
			if end > len(page.Items) {
				end = len(page.Items)
			}
			outcome, err := s.persistBatch(ctx, kind, page.Items[start:end], fetchedAt)
			kindResult.Written += outcome.Written
			kindResult.Failed += outcome.Failed
			if err != nil {
				kindResult.State = KindStateFailed
				kindResult.Err = err
				if pingErr := s.cache.Ping(ctx); pingErr != nil {
					return kindResult, fmt.Errorf("store unreachable after write failure: %v (ping: %v)", err, pingErr)
				}
				s.logger.Warn("batch persist failed, store still reachable",
					zap.String("run_id", runID),
					zap.String("kind", kind.String()),
					zap.Error(err))
				return kindResult, nil
			}
		}

		if page.NextPageToken == "" {
			s.logger.Info("entity kind synced",
				zap.String("run_id", runID),
				zap.String("kind", kind.String()),
				zap.Int("fetched", kindResult.Fetched),
				zap.Int("written", kindResult.Written),
				zap.Int("rejected", kindResult.Failed))
			return kindResult, nil
		}
		pageToken = page.NextPageToken
	}
}

func (s *Service) persistBatch(ctx context.Context, kind remote.EntityKind, items []json.RawMessage, fetchedAt time.Time) (store.BatchOutcome, error) {
	switch kind {
	case remote.KindProject:
		return s.cache.UpsertProjects(ctx, items, fetchedAt)
	case remote.KindTask:
		return s.cache.UpsertTasks(ctx, items, fetchedAt)
	case remote.KindNote:
		return s.cache.UpsertNotes(ctx, items, fetchedAt)
	}
	return store.BatchOutcome{}, fmt.Errorf("%w: %q", remote.ErrInvalidEntityKind, kind.String())
}

// classifyFatal decides whether a fetch failure must abort the run.
// Authentication rejections and cancellation are fatal; throttling and other
// rejections stay isolated to their kind.
func (s *Service) classifyFatal(ctx context.Context, err error) error {
	if errors.Is(err, remote.ErrAuthFailed) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return err
	}
	return nil
}

func (s *Service) logRunResult(result RunResult) {
	fields := []zap.Field{
		zap.String("run_id", result.RunID),
		zap.String("state", string(result.State)),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}
	for kind, kindResult := range result.Kinds {
		fields = append(fields,
			zap.String(kind.String()+"_state", string(kindResult.State)),
			zap.Int(kind.String()+"_fetched", kindResult.Fetched),
			zap.Int(kind.String()+"_written", kindResult.Written),
			zap.Int(kind.String()+"_rejected", kindResult.Failed))
	}
	s.logger.Info("sync run finished", fields...)
}
