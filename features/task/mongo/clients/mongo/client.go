// Package mongo hosts the MongoDB client used by the durable task store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/complyline/complyline/runtime/task"
)

const (
	defaultTasksCollection = "tasks"
	defaultOpTimeout       = 5 * time.Second
	taskClientName         = "task-mongo"
)

// Client exposes Mongo-backed operations for durable tasks. Each method maps
// the task store contract onto conditional updates so the lifecycle rules
// hold without any coordination outside the database.
type Client interface {
	health.Pinger

	InsertTask(ctx context.Context, t task.Task) error
	LoadTask(ctx context.Context, id string) (task.Task, error)
	ClaimPending(ctx context.Context, workerID string) (task.Task, error)
	CompleteTask(ctx context.Context, id, workerID string, result json.RawMessage) (task.Task, error)
	FailTask(ctx context.Context, id, workerID, message string) (task.Task, error)
	SetTaskProgress(ctx context.Context, id, workerID string, percent int) error
	RequeueTask(ctx context.Context, id string) (task.Task, error)
	ListStaleRunning(ctx context.Context, olderThan time.Time) ([]task.Task, error)
}

// Options configures the Mongo task client.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	TasksCollection string
	Timeout         time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	tasks   collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	tasksCollection := opts.TasksCollection
	if tasksCollection == "" {
		tasksCollection = defaultTasksCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(tasksCollection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: coll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return taskClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertTask(ctx context.Context, t task.Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.tasks.InsertOne(ctx, fromTask(t))
	return err
}

func (c *client) LoadTask(ctx context.Context, id string) (task.Task, error) {
	if id == "" {
		return task.Task{}, errors.New("task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"task_id": id}
	var doc taskDocument
	if err := c.tasks.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return task.Task{}, task.ErrTaskNotFound
		}
		return task.Task{}, err
	}
	return doc.toTask(), nil
}

func (c *client) ClaimPending(ctx context.Context, workerID string) (task.Task, error) {
	if workerID == "" {
		return task.Task{}, errors.New("worker id is required")
	}
	now := time.Now().UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// One conditional update selects and transitions the oldest pending
	// task. Concurrent claimers race on the status filter, so at most one
	// of them matches any given document.
	filter := bson.M{"status": task.StatusPending}
	update := bson.M{
		"$set": bson.M{
			"status":     task.StatusRunning,
			"claimed_by": workerID,
			"started_at": now,
			"updated_at": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)
	var doc taskDocument
	if err := c.tasks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return task.Task{}, task.ErrNoPendingTasks
		}
		return task.Task{}, err
	}
	return doc.toTask(), nil
}

func (c *client) CompleteTask(ctx context.Context, id, workerID string, result json.RawMessage) (task.Task, error) {
	update := bson.M{
		"$set": bson.M{
			"status":       task.StatusCompleted,
			"result":       []byte(result),
			"progress":     100,
			"completed_at": time.Now().UTC(),
			"updated_at":   time.Now().UTC(),
		},
	}
	return c.finishTask(ctx, id, workerID, task.StatusCompleted, update)
}

func (c *client) FailTask(ctx context.Context, id, workerID, message string) (task.Task, error) {
	update := bson.M{
		"$set": bson.M{
			"status":        task.StatusFailed,
			"error_message": message,
			"completed_at":  time.Now().UTC(),
			"updated_at":    time.Now().UTC(),
		},
	}
	return c.finishTask(ctx, id, workerID, task.StatusFailed, update)
}

func (c *client) SetTaskProgress(ctx context.Context, id, workerID string, percent int) error {
	if percent < 0 || percent > 100 {
		return errors.New("progress must be between 0 and 100")
	}
	if id == "" {
		return errors.New("task id is required")
	}
	if workerID == "" {
		return errors.New("worker id is required")
	}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"task_id":    id,
		"status":     task.StatusRunning,
		"claimed_by": workerID,
		"progress":   bson.M{"$lte": percent},
	}
	update := bson.M{
		"$set": bson.M{
			"progress":   percent,
			"updated_at": time.Now().UTC(),
		},
	}
	res, err := c.tasks.UpdateOne(ctxWithTimeout, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	cur, err := c.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case cur.Status.Terminal():
		return task.ErrTerminalTask
	case cur.Status != task.StatusRunning || cur.ClaimedBy != workerID:
		return task.ErrNotClaimOwner
	default:
		// Progress is monotonic while running; stale updates are ignored.
		return nil
	}
}

func (c *client) RequeueTask(ctx context.Context, id string) (task.Task, error) {
	if id == "" {
		return task.Task{}, errors.New("task id is required")
	}
	now := time.Now().UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"task_id": id, "status": task.StatusRunning}
	update := bson.M{
		"$set": bson.M{
			"status":     task.StatusPending,
			"claimed_by": "",
			"progress":   0,
			"updated_at": now,
		},
		"$unset": bson.M{"started_at": ""},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc taskDocument
	err := c.tasks.FindOneAndUpdate(ctxWithTimeout, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toTask(), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return task.Task{}, err
	}

	cur, err := c.LoadTask(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if cur.Status.Terminal() {
		return task.Task{}, task.ErrTerminalTask
	}
	return task.Task{}, task.ErrInvalidTransition
}

func (c *client) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]task.Task, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":     task.StatusRunning,
		"started_at": bson.M{"$lt": olderThan.UTC()},
	}
	cur, err := c.tasks.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []task.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toTask())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// finishTask applies a terminal transition. The filter requires the task to
// be running under workerID, so the conditional update can only ever fire for
// the claim owner. A miss is classified by re-reading the document.
func (c *client) finishTask(ctx context.Context, id, workerID string, status task.Status, update bson.M) (task.Task, error) {
	if id == "" {
		return task.Task{}, errors.New("task id is required")
	}
	if workerID == "" {
		return task.Task{}, errors.New("worker id is required")
	}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"task_id":    id,
		"status":     task.StatusRunning,
		"claimed_by": workerID,
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc taskDocument
	err := c.tasks.FindOneAndUpdate(ctxWithTimeout, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toTask(), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return task.Task{}, err
	}

	cur, err := c.LoadTask(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	switch {
	case cur.Status == status && cur.ClaimedBy == workerID:
		// Idempotent for the claiming worker retrying the same terminal op.
		return cur, nil
	case cur.Status.Terminal():
		return task.Task{}, task.ErrTerminalTask
	default:
		return task.Task{}, task.ErrNotClaimOwner
	}
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type taskDocument struct {
	TaskID       string      `bson:"task_id"`
	Type         string      `bson:"type"`
	Status       task.Status `bson:"status"`
	Payload      []byte      `bson:"payload,omitempty"`
	Result       []byte      `bson:"result,omitempty"`
	ErrorMessage string      `bson:"error_message,omitempty"`
	Progress     int         `bson:"progress"`
	CreatedBy    string      `bson:"created_by"`
	ClaimedBy    string      `bson:"claimed_by,omitempty"`
	CreatedAt    time.Time   `bson:"created_at"`
	UpdatedAt    time.Time   `bson:"updated_at"`
	StartedAt    *time.Time  `bson:"started_at,omitempty"`
	CompletedAt  *time.Time  `bson:"completed_at,omitempty"`
}

func fromTask(t task.Task) taskDocument {
	doc := taskDocument{
		TaskID:       t.ID,
		Type:         t.Type,
		Status:       t.Status,
		Payload:      cloneRaw(t.Payload),
		Result:       cloneRaw(t.Result),
		ErrorMessage: t.ErrorMessage,
		Progress:     t.Progress,
		CreatedBy:    t.CreatedBy,
		ClaimedBy:    t.ClaimedBy,
		CreatedAt:    t.CreatedAt.UTC(),
		UpdatedAt:    t.UpdatedAt.UTC(),
	}
	if t.StartedAt != nil {
		at := t.StartedAt.UTC()
		doc.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := t.CompletedAt.UTC()
		doc.CompletedAt = &at
	}
	return doc
}

func (doc taskDocument) toTask() task.Task {
	t := task.Task{
		ID:           doc.TaskID,
		Type:         doc.Type,
		Status:       doc.Status,
		Payload:      cloneRaw(doc.Payload),
		Result:       cloneRaw(doc.Result),
		ErrorMessage: doc.ErrorMessage,
		Progress:     doc.Progress,
		CreatedBy:    doc.CreatedBy,
		ClaimedBy:    doc.ClaimedBy,
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}
	if doc.StartedAt != nil {
		at := doc.StartedAt.UTC()
		t.StartedAt = &at
	}
	if doc.CompletedAt != nil {
		at := doc.CompletedAt.UTC()
		t.CompletedAt = &at
	}
	return t
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

func ensureIndexes(ctx context.Context, tasksColl collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := tasksColl.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	claimIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	if _, err := tasksColl.Indexes().CreateOne(ctx, claimIndex); err != nil {
		return err
	}
	staleIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "started_at", Value: 1},
		},
	}
	if _, err := tasksColl.Indexes().CreateOne(ctx, staleIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, tasksColl collection, timeout time.Duration) (*client, error) {
	if tasksColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		tasks:   tasksColl,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...*options.FindOneAndUpdateOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	InsertOne(ctx context.Context, document any,
		opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
