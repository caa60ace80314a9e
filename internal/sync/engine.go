package sync

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cyphera/stripe-sync/internal/config"
	"github.com/cyphera/stripe-sync/internal/db"
)

// ObjectAll requests a backfill of every kind.
const ObjectAll = "all"

// parentWorkers bounds concurrent per-customer enumeration.
const parentWorkers = 10

// Runs is the observability slice of the persistence gateway.
type Runs interface {
	GetOrCreateRun(ctx context.Context, accountID, triggeredBy string, maxConcurrent int) (*db.SyncRun, error)
	GetActiveRun(ctx context.Context, accountID string) (*db.SyncRun, error)
	CompleteRun(ctx context.Context, accountID string, startedAt time.Time) error
	FailRun(ctx context.Context, accountID string, startedAt time.Time, message string) error
	CreateObjectRuns(ctx context.Context, accountID string, startedAt time.Time, objects []string) error
	TryStartObject(ctx context.Context, accountID string, startedAt time.Time, object string, maxConcurrent int) (bool, error)
	IncrementObjectProgress(ctx context.Context, accountID string, startedAt time.Time, object string, n int) error
	UpdateObjectCursor(ctx context.Context, accountID string, startedAt time.Time, object string, cursor int64) error
	CompleteObject(ctx context.Context, accountID string, startedAt time.Time, object string) error
	FailObject(ctx context.Context, accountID string, startedAt time.Time, object, message string) error
	GetObjectRun(ctx context.Context, accountID string, startedAt time.Time, object string) (*db.ObjectRun, error)
	GetNextPendingObject(ctx context.Context, accountID string, startedAt time.Time, maxConcurrent int) (string, error)
	AreAllObjectsTerminal(ctx context.Context, accountID string, startedAt time.Time) (bool, error)
	CancelStaleRuns(ctx context.Context, accountID string, staleAfter time.Duration) (int, error)
}

// BackfillParams selects what to backfill. Object is a kind name or "all".
// CreatedGTE, when non-zero, overrides the stored cursor. BackfillRelated
// overrides the configured related-entity backfill flag for this invocation.
type BackfillParams struct {
	Object          string
	CreatedGTE      int64
	TriggeredBy     string
	BackfillRelated *bool
}

// PageResult reports one page of backfill progress.
type PageResult struct {
	Processed    int
	HasMore      bool
	Claimed      bool
	Cursor       int64
	LastID       string
	RunStartedAt time.Time
}

// RunSummary reports a finished ProcessUntilDone invocation.
type RunSummary struct {
	RunStartedAt time.Time
	Processed    map[string]int
}

// Engine drives backfill pagination: it brackets work in sync runs, claims
// object runs under the concurrency limit, checkpoints cursors page by page,
// and hands records to the upserter.
type Engine struct {
	runs     Runs
	store    Store
	source   Source
	upserter *Upserter
	cfg      *config.Config
	logger   *zap.Logger

	// now is swapped in tests.
	now func() time.Time
}

func NewEngine(runs Runs, store Store, source Source, upserter *Upserter, cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		runs:     runs,
		store:    store,
		source:   source,
		upserter: upserter,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessNext joins or creates the account's run, claims the object and
// processes one page. startingAfter continues an in-process page walk; after
// a crash callers pass "" and resume from the checkpointed cursor.
func (e *Engine) ProcessNext(ctx context.Context, accountID string, params BackfillParams, startingAfter string) (*PageResult, error) {
	kind, err := GetKind(params.Object)
	if err != nil {
		return nil, err
	}

	run, err := e.runs.GetOrCreateRun(ctx, accountID, params.triggeredBy(), e.cfg.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	if err := e.runs.CreateObjectRuns(ctx, accountID, run.StartedAt, []string{kind.Name}); err != nil {
		return nil, err
	}

	claimed, err := e.runs.TryStartObject(ctx, accountID, run.StartedAt, kind.Name, run.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &PageResult{HasMore: true, RunStartedAt: run.StartedAt}, nil
	}

	result, err := e.processPage(ctx, accountID, run, kind, params, startingAfter)
	if err != nil {
		if failErr := e.runs.FailObject(ctx, accountID, run.StartedAt, kind.Name, err.Error()); failErr != nil {
			e.logger.Error("Failed to record object error", zap.Error(failErr))
		}
		e.finishRunIfDone(ctx, accountID, run.StartedAt, err)
		return nil, err
	}

	if !result.HasMore {
		if err := e.runs.CompleteObject(ctx, accountID, run.StartedAt, kind.Name); err != nil {
			return nil, err
		}
		e.finishRunIfDone(ctx, accountID, run.StartedAt, nil)
	}
	result.Claimed = true
	result.RunStartedAt = run.StartedAt
	return result, nil
}

// ProcessUntilDone backfills one kind, or every kind for Object "all",
// within a single sync run. Stale runs are cancelled first so a crashed
// predecessor does not block the account forever.
func (e *Engine) ProcessUntilDone(ctx context.Context, accountID string, params BackfillParams) (*RunSummary, error) {
	if n, err := e.runs.CancelStaleRuns(ctx, accountID, e.cfg.StaleRunInterval); err != nil {
		return nil, err
	} else if n > 0 {
		e.logger.Warn("Cancelled stale sync runs", zap.Int("count", n))
	}

	var selected []*Kind
	if params.Object == "" || params.Object == ObjectAll {
		selected = AllKinds()
	} else {
		kind, err := GetKind(params.Object)
		if err != nil {
			return nil, err
		}
		selected = []*Kind{kind}
	}

	run, err := e.runs.GetOrCreateRun(ctx, accountID, params.triggeredBy(), e.cfg.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(selected))
	for i, k := range selected {
		names[i] = k.Name
	}
	if err := e.runs.CreateObjectRuns(ctx, accountID, run.StartedAt, names); err != nil {
		return nil, err
	}

	summary := &RunSummary{RunStartedAt: run.StartedAt, Processed: map[string]int{}}
	var firstErr error
	for _, kind := range selected {
		processed, err := e.processObject(ctx, accountID, run, kind, params)
		summary.Processed[kind.Name] = processed
		if err != nil {
			e.logger.Error("Object backfill failed",
				zap.String("object", kind.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	done, err := e.runs.AreAllObjectsTerminal(ctx, accountID, run.StartedAt)
	if err != nil {
		return summary, err
	}
	if done {
		if firstErr != nil {
			if err := e.runs.FailRun(ctx, accountID, run.StartedAt, firstErr.Error()); err != nil {
				e.logger.Error("Failed to record run error", zap.Error(err))
			}
		} else if err := e.runs.CompleteRun(ctx, accountID, run.StartedAt); err != nil {
			return summary, err
		}
	}
	return summary, firstErr
}

// SyncBackfill pages one kind top to bottom inside the account's run. Kept
// as the entry point for single-kind operator backfills.
func (e *Engine) SyncBackfill(ctx context.Context, accountID string, params BackfillParams) (*RunSummary, error) {
	if params.Object == "" || params.Object == ObjectAll {
		return nil, fmt.Errorf("sync backfill requires a single entity kind")
	}
	return e.ProcessUntilDone(ctx, accountID, params)
}

// SyncSingleEntity fetches one record by id, inferring its kind from the id
// prefix, and upserts it outside any sync run. The cursor is not touched.
func (e *Engine) SyncSingleEntity(ctx context.Context, accountID, entityID string) (map[string]any, error) {
	kind, err := KindForID(entityID)
	if err != nil {
		return nil, err
	}
	if kind.RetrievePath == "" {
		return nil, fmt.Errorf("entity kind %s cannot be fetched by id", kind.Name)
	}
	record, err := e.source.Retrieve(ctx, fmt.Sprintf(kind.RetrievePath, entityID))
	if err != nil {
		return nil, err
	}
	if _, err := e.upserter.Upsert(ctx, kind, []map[string]any{record}, accountID, e.now(), e.cfg.BackfillRelatedEntities); err != nil {
		return nil, err
	}
	return record, nil
}

// processObject claims one object run and pages it to completion.
func (e *Engine) processObject(ctx context.Context, accountID string, run *db.SyncRun, kind *Kind, params BackfillParams) (int, error) {
	claimed, err := e.runs.TryStartObject(ctx, accountID, run.StartedAt, kind.Name, run.MaxConcurrent)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, nil
	}

	fail := func(err error) (int, error) {
		if failErr := e.runs.FailObject(ctx, accountID, run.StartedAt, kind.Name, err.Error()); failErr != nil {
			e.logger.Error("Failed to record object error", zap.Error(failErr))
		}
		return 0, err
	}

	if kind.PerParent {
		processed, err := e.processPerParent(ctx, accountID, run, kind)
		if err != nil {
			return fail(err)
		}
		if err := e.runs.CompleteObject(ctx, accountID, run.StartedAt, kind.Name); err != nil {
			return processed, err
		}
		return processed, nil
	}

	total := 0
	startingAfter := ""
	for {
		result, err := e.processPage(ctx, accountID, run, kind, params, startingAfter)
		if err != nil {
			return fail(err)
		}
		total += result.Processed
		if !result.HasMore {
			break
		}
		startingAfter = result.LastID
	}
	if err := e.runs.CompleteObject(ctx, accountID, run.StartedAt, kind.Name); err != nil {
		return total, err
	}
	e.logger.Info("Object backfill complete",
		zap.String("object", kind.Name), zap.Int("processed", total))
	return total, nil
}

// processPage reads and persists one page, then checkpoints progress and
// cursor. An explicit CreatedGTE filter takes precedence over the stored
// cursor.
func (e *Engine) processPage(ctx context.Context, accountID string, run *db.SyncRun, kind *Kind, params BackfillParams, startingAfter string) (*PageResult, error) {
	objRun, err := e.runs.GetObjectRun(ctx, accountID, run.StartedAt, kind.Name)
	if err != nil {
		return nil, err
	}
	if objRun == nil {
		return nil, fmt.Errorf("object run %s missing for run %s", kind.Name, run.StartedAt)
	}

	listParams := url.Values{}
	listParams.Set("limit", strconv.Itoa(pageSize))
	switch {
	case params.CreatedGTE > 0:
		listParams.Set("created[gte]", strconv.FormatInt(params.CreatedGTE, 10))
	case objRun.Cursor > 0:
		listParams.Set("created[gte]", strconv.FormatInt(objRun.Cursor, 10))
	}
	if startingAfter != "" {
		listParams.Set("starting_after", startingAfter)
	}

	page, err := e.source.List(ctx, kind.ListPath, listParams)
	if err != nil {
		return nil, err
	}

	if len(page.Data) == 0 {
		return &PageResult{HasMore: false, Cursor: objRun.Cursor}, nil
	}

	if _, err := e.upserter.Upsert(ctx, kind, page.Data, accountID, e.now(), e.backfillRelated(params)); err != nil {
		return nil, err
	}
	if err := e.runs.IncrementObjectProgress(ctx, accountID, run.StartedAt, kind.Name, len(page.Data)); err != nil {
		return nil, err
	}

	cursor := objRun.Cursor
	for _, rec := range page.Data {
		if created := recordCreated(rec); created > cursor {
			cursor = created
		}
	}
	if err := e.runs.UpdateObjectCursor(ctx, accountID, run.StartedAt, kind.Name, cursor); err != nil {
		return nil, err
	}

	return &PageResult{
		Processed: len(page.Data),
		HasMore:   page.HasMore,
		Cursor:    cursor,
		LastID:    page.LastID(),
	}, nil
}

// processPerParent enumerates customers and lists the kind per customer with
// bounded concurrency. These endpoints have no created filter, so no cursor
// is kept.
func (e *Engine) processPerParent(ctx context.Context, accountID string, run *db.SyncRun, kind *Kind) (int, error) {
	customers, err := e.store.ListIDs(ctx, "customers", accountID)
	if err != nil {
		return 0, err
	}

	counts := make([]int, len(customers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parentWorkers)
	for i, customerID := range customers {
		i, customerID := i, customerID
		g.Go(func() error {
			n, err := e.syncOneParent(gctx, accountID, kind, customerID)
			if err != nil {
				return fmt.Errorf("failed to sync %s for customer %s: %w", kind.Name, customerID, err)
			}
			counts[i] = n
			return nil
		})
	}
	total := 0
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, n := range counts {
		total += n
	}

	if err := e.runs.IncrementObjectProgress(ctx, accountID, run.StartedAt, kind.Name, total); err != nil {
		return total, err
	}
	return total, nil
}

func (e *Engine) syncOneParent(ctx context.Context, accountID string, kind *Kind, customerID string) (int, error) {
	var records []map[string]any
	startingAfter := ""
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageSize))
		if startingAfter != "" {
			params.Set("starting_after", startingAfter)
		}
		page, err := e.source.List(ctx, fmt.Sprintf(kind.ParentListPath, customerID), params)
		if err != nil {
			return 0, err
		}
		records = append(records, page.Data...)
		if !page.HasMore || page.LastID() == "" {
			break
		}
		startingAfter = page.LastID()
	}

	syncedAt := e.now()
	if kind.Name == KindActiveEntitlement {
		_, err := e.upserter.UpsertActiveEntitlements(ctx, customerID, records, accountID, syncedAt)
		return len(records), err
	}
	if len(records) == 0 {
		return 0, nil
	}
	for _, rec := range records {
		if _, ok := rec["customer"]; !ok {
			rec["customer"] = customerID
		}
	}
	_, err := e.upserter.Upsert(ctx, kind, records, accountID, syncedAt, false)
	return len(records), err
}

// finishRunIfDone closes out the run once every object is terminal.
func (e *Engine) finishRunIfDone(ctx context.Context, accountID string, startedAt time.Time, runErr error) {
	done, err := e.runs.AreAllObjectsTerminal(ctx, accountID, startedAt)
	if err != nil {
		e.logger.Error("Failed to check run completion", zap.Error(err))
		return
	}
	if !done {
		return
	}
	if runErr != nil {
		err = e.runs.FailRun(ctx, accountID, startedAt, runErr.Error())
	} else {
		err = e.runs.CompleteRun(ctx, accountID, startedAt)
	}
	if err != nil {
		e.logger.Error("Failed to finish run", zap.Error(err))
	}
}

func (e *Engine) backfillRelated(params BackfillParams) bool {
	if params.BackfillRelated != nil {
		return *params.BackfillRelated
	}
	return e.cfg.BackfillRelatedEntities
}

func (p BackfillParams) triggeredBy() string {
	if p.TriggeredBy == "" {
		return "api"
	}
	return p.TriggeredBy
}

// recordCreated extracts the unix created timestamp from a decoded record.
func recordCreated(rec map[string]any) int64 {
	switch v := rec["created"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
