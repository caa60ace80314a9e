package sync

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cyphera/stripe-sync/internal/db"
	"github.com/cyphera/stripe-sync/internal/stripeapi"
)

// fakeStore is an in-memory Store that applies the same last-synced-at
// freshness guard as the SQL layer.
type fakeStore struct {
	rows     map[string]map[string]map[string]any // table -> id -> record
	syncedAt map[string]time.Time                 // table/id
	upserts  []upsertCall
	deletes  []string

	failUpserts bool
}

type upsertCall struct {
	table    string
	columns  []string
	ids      []string
	syncedAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:     map[string]map[string]map[string]any{},
		syncedAt: map[string]time.Time{},
	}
}

func (f *fakeStore) Upsert(_ context.Context, table string, columns []string, records []map[string]any, _ string, syncedAt time.Time) ([]string, error) {
	if f.failUpserts {
		return nil, fmt.Errorf("upsert failed")
	}
	if f.rows[table] == nil {
		f.rows[table] = map[string]map[string]any{}
	}
	var written []string
	for _, rec := range records {
		id, _ := rec["id"].(string)
		key := table + "/" + id
		if prev, ok := f.syncedAt[key]; ok && !prev.Before(syncedAt) {
			continue
		}
		f.rows[table][id] = rec
		f.syncedAt[key] = syncedAt
		written = append(written, id)
	}
	f.upserts = append(f.upserts, upsertCall{table: table, columns: columns, ids: written, syncedAt: syncedAt})
	return written, nil
}

func (f *fakeStore) Delete(_ context.Context, table, id, _ string) (bool, error) {
	f.deletes = append(f.deletes, table+"/"+id)
	if f.rows[table] == nil {
		return false, nil
	}
	_, ok := f.rows[table][id]
	delete(f.rows[table], id)
	return ok, nil
}

func (f *fakeStore) FindMissing(_ context.Context, table string, ids []string, _ string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if _, ok := f.rows[table][id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (f *fakeStore) ListIDs(_ context.Context, table, _ string) ([]string, error) {
	var ids []string
	for id := range f.rows[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) MarkDeletedSubscriptionItems(_ context.Context, subscriptionID string, keepIDs []string, _ string) (int64, error) {
	keep := map[string]bool{}
	for _, id := range keepIDs {
		keep[id] = true
	}
	var n int64
	for id, rec := range f.rows["subscription_items"] {
		if rec["subscription"] == subscriptionID && !keep[id] {
			rec["deleted"] = true
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteEntitlementsNotIn(_ context.Context, customerID string, keepIDs []string, _ string) (int64, error) {
	keep := map[string]bool{}
	for _, id := range keepIDs {
		keep[id] = true
	}
	var n int64
	for id, rec := range f.rows["active_entitlements"] {
		if rec["customer"] == customerID && !keep[id] {
			delete(f.rows["active_entitlements"], id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) record(table, id string) map[string]any {
	return f.rows[table][id]
}

// fakeSource serves list pages from seeded per-path record sets, honoring
// limit, created[gte] and starting_after the way the real API does.
type fakeSource struct {
	lists     map[string][]map[string]any
	records   map[string]map[string]any // retrieve path -> record
	listCalls []listCall
	retrieved []string

	failLists bool
}

type listCall struct {
	path   string
	params url.Values
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		lists:   map[string][]map[string]any{},
		records: map[string]map[string]any{},
	}
}

func (f *fakeSource) List(_ context.Context, path string, params url.Values) (*stripeapi.ListPage, error) {
	f.listCalls = append(f.listCalls, listCall{path: path, params: params})
	if f.failLists {
		return nil, fmt.Errorf("source unavailable")
	}

	all := f.lists[path]
	limit := 10
	if v := params.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	var filtered []map[string]any
	var createdGTE int64
	if v := params.Get("created[gte]"); v != "" {
		createdGTE, _ = strconv.ParseInt(v, 10, 64)
	}
	skipUntil := params.Get("starting_after")
	skipping := skipUntil != ""
	for _, rec := range all {
		if createdGTE > 0 && recordCreated(rec) < createdGTE {
			continue
		}
		if skipping {
			if rec["id"] == skipUntil {
				skipping = false
			}
			continue
		}
		filtered = append(filtered, rec)
	}

	page := &stripeapi.ListPage{Object: "list"}
	if len(filtered) > limit {
		page.Data = filtered[:limit]
		page.HasMore = true
	} else {
		page.Data = filtered
	}
	return page, nil
}

func (f *fakeSource) Retrieve(_ context.Context, path string) (map[string]any, error) {
	f.retrieved = append(f.retrieved, path)
	rec, ok := f.records[path]
	if !ok {
		return nil, fmt.Errorf("no record at %s", path)
	}
	return rec, nil
}

// fakeRuns is an in-memory Runs implementation recording cursor checkpoints.
type fakeRuns struct {
	run           *db.SyncRun
	objects       map[string]*db.ObjectRun
	cursorUpdates []int64
	createdRuns   [][]string

	denyClaims bool
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{objects: map[string]*db.ObjectRun{}}
}

func (f *fakeRuns) GetOrCreateRun(_ context.Context, accountID, triggeredBy string, maxConcurrent int) (*db.SyncRun, error) {
	if f.run == nil || f.run.Status != db.RunStatusRunning {
		f.run = &db.SyncRun{
			AccountID:     accountID,
			StartedAt:     time.Now(),
			Status:        db.RunStatusRunning,
			TriggeredBy:   triggeredBy,
			MaxConcurrent: maxConcurrent,
		}
	}
	return f.run, nil
}

func (f *fakeRuns) GetActiveRun(_ context.Context, _ string) (*db.SyncRun, error) {
	if f.run != nil && f.run.Status == db.RunStatusRunning {
		return f.run, nil
	}
	return nil, nil
}

func (f *fakeRuns) CompleteRun(_ context.Context, _ string, _ time.Time) error {
	f.run.Status = db.RunStatusComplete
	return nil
}

func (f *fakeRuns) FailRun(_ context.Context, _ string, _ time.Time, message string) error {
	f.run.Status = db.RunStatusError
	f.run.ErrorMessage = &message
	return nil
}

func (f *fakeRuns) CreateObjectRuns(_ context.Context, accountID string, startedAt time.Time, objects []string) error {
	f.createdRuns = append(f.createdRuns, objects)
	for _, object := range objects {
		if _, ok := f.objects[object]; ok {
			continue
		}
		cursor := f.priorCursor(object)
		f.objects[object] = &db.ObjectRun{
			AccountID:    accountID,
			RunStartedAt: startedAt,
			Object:       object,
			Status:       db.ObjectStatusPending,
			Cursor:       cursor,
		}
	}
	return nil
}

func (f *fakeRuns) priorCursor(object string) int64 {
	if prev, ok := f.objects[object]; ok {
		return prev.Cursor
	}
	return 0
}

// reset starts a fresh run while keeping cursors, mimicking a new _sync_run
// seeded from the previous one.
func (f *fakeRuns) reset() {
	f.run = nil
	for _, o := range f.objects {
		o.Status = db.ObjectStatusPending
		o.ProcessedCount = 0
	}
}

func (f *fakeRuns) TryStartObject(_ context.Context, _ string, _ time.Time, object string, maxConcurrent int) (bool, error) {
	if f.denyClaims {
		return false, nil
	}
	o, ok := f.objects[object]
	if !ok {
		return false, nil
	}
	if o.Status == db.ObjectStatusRunning {
		return true, nil
	}
	if o.Status != db.ObjectStatusPending {
		return false, nil
	}
	running := 0
	for _, other := range f.objects {
		if other.Status == db.ObjectStatusRunning {
			running++
		}
	}
	if running >= maxConcurrent {
		return false, nil
	}
	o.Status = db.ObjectStatusRunning
	return true, nil
}

func (f *fakeRuns) IncrementObjectProgress(_ context.Context, _ string, _ time.Time, object string, n int) error {
	f.objects[object].ProcessedCount += n
	return nil
}

func (f *fakeRuns) UpdateObjectCursor(_ context.Context, _ string, _ time.Time, object string, cursor int64) error {
	o := f.objects[object]
	if cursor > o.Cursor {
		o.Cursor = cursor
	}
	f.cursorUpdates = append(f.cursorUpdates, cursor)
	return nil
}

func (f *fakeRuns) CompleteObject(_ context.Context, _ string, _ time.Time, object string) error {
	f.objects[object].Status = db.ObjectStatusComplete
	return nil
}

func (f *fakeRuns) FailObject(_ context.Context, _ string, _ time.Time, object, message string) error {
	o := f.objects[object]
	o.Status = db.ObjectStatusError
	o.ErrorMessage = &message
	return nil
}

func (f *fakeRuns) GetObjectRun(_ context.Context, _ string, _ time.Time, object string) (*db.ObjectRun, error) {
	return f.objects[object], nil
}

func (f *fakeRuns) GetNextPendingObject(_ context.Context, _ string, _ time.Time, maxConcurrent int) (string, error) {
	running := 0
	for _, o := range f.objects {
		if o.Status == db.ObjectStatusRunning {
			running++
		}
	}
	if running >= maxConcurrent {
		return "", nil
	}
	var pending []string
	for name, o := range f.objects {
		if o.Status == db.ObjectStatusPending {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return "", nil
	}
	sort.Strings(pending)
	return pending[0], nil
}

func (f *fakeRuns) AreAllObjectsTerminal(_ context.Context, _ string, _ time.Time) (bool, error) {
	for _, o := range f.objects {
		if o.Status == db.ObjectStatusPending || o.Status == db.ObjectStatusRunning {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeRuns) CancelStaleRuns(_ context.Context, _ string, _ time.Duration) (int, error) {
	return 0, nil
}
