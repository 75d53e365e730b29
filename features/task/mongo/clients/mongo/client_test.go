package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/complyline/complyline/runtime/task"
)

func TestEnsureIndexes(t *testing.T) {
	tasks := newFakeTasksCollection()
	err := ensureIndexes(context.Background(), tasks)
	require.NoError(t, err)
	require.Equal(t, 3, tasks.indexCreated)
}

func TestInsertAndLoadTask(t *testing.T) {
	client := mustNewTestClient()
	created := pendingTask("create_project-1", time.Now().UTC())
	created.Payload = json.RawMessage(`{"name":"SOC 2"}`)
	require.NoError(t, client.InsertTask(context.Background(), created))

	loaded, err := client.LoadTask(context.Background(), "create_project-1")
	require.NoError(t, err)
	require.Equal(t, created.ID, loaded.ID)
	require.Equal(t, task.StatusPending, loaded.Status)
	require.JSONEq(t, `{"name":"SOC 2"}`, string(loaded.Payload))
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.LoadTask(context.Background(), "missing")
	require.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestLoadRequiresID(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.LoadTask(context.Background(), "")
	require.EqualError(t, err, "task id is required")
}

func TestClaimTakesOldestPending(t *testing.T) {
	client := mustNewTestClient()
	base := time.Now().UTC()
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-b", base.Add(time.Second))))
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-a", base)))

	claimed, err := client.ClaimPending(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "task-a", claimed.ID)
	require.Equal(t, task.StatusRunning, claimed.Status)
	require.Equal(t, "worker-1", claimed.ClaimedBy)
	require.NotNil(t, claimed.StartedAt)
}

func TestClaimEmptyQueue(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.ClaimPending(context.Background(), "worker-1")
	require.ErrorIs(t, err, task.ErrNoPendingTasks)
}

func TestCompleteRequiresClaimOwner(t *testing.T) {
	client := mustNewTestClient()
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-1", time.Now().UTC())))
	_, err := client.ClaimPending(context.Background(), "worker-1")
	require.NoError(t, err)

	_, err = client.CompleteTask(context.Background(), "task-1", "worker-2", nil)
	require.ErrorIs(t, err, task.ErrNotClaimOwner)

	done, err := client.CompleteTask(context.Background(), "task-1", "worker-1", json.RawMessage(`{"project_id":42}`))
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, done.Status)
	require.Equal(t, 100, done.Progress)
	require.JSONEq(t, `{"project_id":42}`, string(done.Result))
	require.NotNil(t, done.CompletedAt)
}

func TestCompleteIsIdempotentForOwner(t *testing.T) {
	client := mustNewTestClient()
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-1", time.Now().UTC())))
	_, err := client.ClaimPending(context.Background(), "worker-1")
	require.NoError(t, err)
	first, err := client.CompleteTask(context.Background(), "task-1", "worker-1", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	again, err := client.CompleteTask(context.Background(), "task-1", "worker-1", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	require.Equal(t, first.Status, again.Status)

	_, err = client.FailTask(context.Background(), "task-1", "worker-1", "boom")
	require.ErrorIs(t, err, task.ErrTerminalTask)
}

func TestFailRecordsMessageVerbatim(t *testing.T) {
	client := mustNewTestClient()
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-1", time.Now().UTC())))
	_, err := client.ClaimPending(context.Background(), "worker-1")
	require.NoError(t, err)

	failed, err := client.FailTask(context.Background(), "task-1", "worker-1", "connection refused: 10.0.0.7:5432")
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, failed.Status)
	require.Equal(t, "connection refused: 10.0.0.7:5432", failed.ErrorMessage)
}

func TestSetProgressIsMonotonic(t *testing.T) {
	client := mustNewTestClient()
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-1", time.Now().UTC())))
	_, err := client.ClaimPending(context.Background(), "worker-1")
	require.NoError(t, err)

	require.NoError(t, client.SetTaskProgress(context.Background(), "task-1", "worker-1", 60))
	require.NoError(t, client.SetTaskProgress(context.Background(), "task-1", "worker-1", 30))

	cur, err := client.LoadTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, 60, cur.Progress)

	err = client.SetTaskProgress(context.Background(), "task-1", "worker-2", 80)
	require.ErrorIs(t, err, task.ErrNotClaimOwner)
	err = client.SetTaskProgress(context.Background(), "task-1", "worker-1", 120)
	require.EqualError(t, err, "progress must be between 0 and 100")
}

func TestRequeueClearsClaim(t *testing.T) {
	client := mustNewTestClient()
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-1", time.Now().UTC())))
	claimed, err := client.ClaimPending(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NoError(t, client.SetTaskProgress(context.Background(), claimed.ID, "worker-1", 40))

	requeued, err := client.RequeueTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, requeued.Status)
	require.Empty(t, requeued.ClaimedBy)
	require.Nil(t, requeued.StartedAt)
	require.Zero(t, requeued.Progress)

	_, err = client.RequeueTask(context.Background(), "task-1")
	require.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestRequeueTerminalTask(t *testing.T) {
	client := mustNewTestClient()
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-1", time.Now().UTC())))
	_, err := client.ClaimPending(context.Background(), "worker-1")
	require.NoError(t, err)
	_, err = client.CompleteTask(context.Background(), "task-1", "worker-1", nil)
	require.NoError(t, err)

	_, err = client.RequeueTask(context.Background(), "task-1")
	require.ErrorIs(t, err, task.ErrTerminalTask)
}

func TestListStaleRunning(t *testing.T) {
	client := mustNewTestClient()
	base := time.Now().UTC()
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-old", base.Add(-time.Hour))))
	require.NoError(t, client.InsertTask(context.Background(), pendingTask("task-new", base)))
	old, err := client.ClaimPending(context.Background(), "worker-dead")
	require.NoError(t, err)
	require.Equal(t, "task-old", old.ID)

	// Backdate the claim so the first task looks abandoned.
	client.tasks.(*fakeTasksCollection).backdateStart("task-old", base.Add(-30*time.Minute))
	_, err = client.ClaimPending(context.Background(), "worker-live")
	require.NoError(t, err)

	stale, err := client.ListStaleRunning(context.Background(), base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "task-old", stale[0].ID)
}

func pendingTask(id string, createdAt time.Time) task.Task {
	return task.Task{
		ID:        id,
		Type:      "create_project",
		Status:    task.StatusPending,
		CreatedBy: "user-1",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func mustNewTestClient() *client {
	tasks := newFakeTasksCollection()
	cl, err := newClientWithCollection(nil, tasks, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

// fakeTasksCollection implements collection with just enough filter support
// for the queries the client issues.
type fakeTasksCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]taskDocument
}

func newFakeTasksCollection() *fakeTasksCollection {
	return &fakeTasksCollection{docs: make(map[string]taskDocument)}
}

func (c *fakeTasksCollection) backdateStart(id string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.docs[id]
	doc.StartedAt = &at
	c.docs[id] = doc
}

func (c *fakeTasksCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["task_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeTasksCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := filter.(bson.M)
	var match *taskDocument
	if id, ok := f["task_id"].(string); ok {
		doc, ok := c.docs[id]
		if ok && c.matches(doc, f) {
			match = &doc
		}
	} else {
		// Claim path: oldest pending first.
		ids := make([]string, 0, len(c.docs))
		for id := range c.docs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return c.docs[ids[i]].CreatedAt.Before(c.docs[ids[j]].CreatedAt)
		})
		for _, id := range ids {
			doc := c.docs[id]
			if c.matches(doc, f) {
				match = &doc
				break
			}
		}
	}
	if match == nil {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	if err := applyUpdate(match, update.(bson.M)); err != nil {
		return fakeSingleResult{err: err}
	}
	c.docs[match.TaskID] = *match
	copyDoc := *match
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeTasksCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	var docs []any
	for _, doc := range c.docs {
		if !c.matches(doc, f) {
			continue
		}
		copyDoc := doc
		docs = append(docs, &copyDoc)
	}
	return newFakeCursor(docs), nil
}

func (c *fakeTasksCollection) InsertOne(ctx context.Context, document any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(taskDocument)
	if _, exists := c.docs[doc.TaskID]; exists {
		return nil, errors.New("duplicate key: task_id")
	}
	c.docs[doc.TaskID] = doc
	return &mongodriver.InsertOneResult{InsertedID: doc.TaskID}, nil
}

func (c *fakeTasksCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	id := f["task_id"].(string)
	doc, ok := c.docs[id]
	if !ok || !c.matches(doc, f) {
		return &mongodriver.UpdateResult{}, nil
	}
	if err := applyUpdate(&doc, update.(bson.M)); err != nil {
		return nil, err
	}
	c.docs[id] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeTasksCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

func (c *fakeTasksCollection) matches(doc taskDocument, f bson.M) bool {
	if status, ok := f["status"].(task.Status); ok && doc.Status != status {
		return false
	}
	if claimedBy, ok := f["claimed_by"].(string); ok && doc.ClaimedBy != claimedBy {
		return false
	}
	if cond, ok := f["progress"].(bson.M); ok {
		if max, ok := cond["$lte"].(int); ok && doc.Progress > max {
			return false
		}
	}
	if cond, ok := f["started_at"].(bson.M); ok {
		if before, ok := cond["$lt"].(time.Time); ok {
			if doc.StartedAt == nil || !doc.StartedAt.Before(before) {
				return false
			}
		}
	}
	return true
}

func applyUpdate(doc *taskDocument, up bson.M) error {
	set, ok := up["$set"].(bson.M)
	if !ok {
		return errors.New("unsupported update payload")
	}
	if v, ok := set["status"].(task.Status); ok {
		doc.Status = v
	}
	if v, ok := set["claimed_by"].(string); ok {
		doc.ClaimedBy = v
	}
	if v, ok := set["started_at"].(time.Time); ok {
		doc.StartedAt = &v
	}
	if v, ok := set["completed_at"].(time.Time); ok {
		doc.CompletedAt = &v
	}
	if v, ok := set["updated_at"].(time.Time); ok {
		doc.UpdatedAt = v
	}
	if v, ok := set["result"].([]byte); ok {
		doc.Result = v
	}
	if v, ok := set["error_message"].(string); ok {
		doc.ErrorMessage = v
	}
	if v, ok := set["progress"].(int); ok {
		doc.Progress = v
	}
	if unset, ok := up["$unset"].(bson.M); ok {
		if _, ok := unset["started_at"]; ok {
			doc.StartedAt = nil
		}
	}
	return nil
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent++
	return "task_idx", nil
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*(val.(*taskDocument)) = *(r.doc.(*taskDocument))
	return nil
}

type fakeCursor struct {
	docs []any
	idx  int
}

func newFakeCursor(docs []any) *fakeCursor {
	return &fakeCursor{docs: docs, idx: -1}
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("cursor out of range")
	}
	*(val.(*taskDocument)) = *(c.docs[c.idx].(*taskDocument))
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}
