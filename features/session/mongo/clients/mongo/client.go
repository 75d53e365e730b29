// Package mongo hosts the MongoDB client used by the session store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/complyline/complyline/runtime/session"
)

const (
	defaultSessionsCollection = "sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for sessions and their message
// logs. Messages are embedded in the session document so an append and its
// last-activity bump commit atomically.
type Client interface {
	health.Pinger

	ResolveSession(ctx context.Context, key, owner string) (session.Session, bool, error)
	LoadSession(ctx context.Context, key string) (session.Session, error)
	AppendMessages(ctx context.Context, key string, msgs []session.Message) error
	ListMessages(ctx context.Context, key string) ([]session.Message, error)
	SetSessionTitle(ctx context.Context, key, title string) error
	DeactivateSession(ctx context.Context, key string) error
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(sessionsCollection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: coll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) ResolveSession(ctx context.Context, key, owner string) (session.Session, bool, error) {
	if owner == "" {
		return session.Session{}, false, errors.New("owner is required")
	}

	if key != "" {
		existing, err := c.LoadSession(ctx, key)
		if err == nil {
			if existing.Owner != owner {
				return session.Session{}, false, session.ErrNotSessionOwner
			}
			if !existing.Active {
				return session.Session{}, false, session.ErrSessionInactive
			}
			return existing, false, nil
		}
		if !errors.Is(err, session.ErrSessionNotFound) {
			return session.Session{}, false, err
		}
	}
	if key == "" {
		key = uuid.NewString()
	}

	now := time.Now().UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_key": key}
	update := bson.M{
		// Pure $setOnInsert: resolving an existing key must never modify it,
		// so the upsert is safe under retries and concurrent resolvers.
		"$setOnInsert": bson.M{
			"session_key":   key,
			"owner":         owner,
			"active":        true,
			"created_at":    now,
			"last_activity": now,
		},
	}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return session.Session{}, false, err
	}

	out, err := c.LoadSession(ctx, key)
	if err != nil {
		return session.Session{}, false, err
	}
	if out.Owner != owner {
		// A concurrent resolver created the key first under another actor.
		return session.Session{}, false, session.ErrNotSessionOwner
	}
	if !out.Active {
		return session.Session{}, false, session.ErrSessionInactive
	}
	return out, res.UpsertedCount > 0, nil
}

func (c *client) LoadSession(ctx context.Context, key string) (session.Session, error) {
	if key == "" {
		return session.Session{}, errors.New("session key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_key": key}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) AppendMessages(ctx context.Context, key string, msgs []session.Message) error {
	if key == "" {
		return errors.New("session key is required")
	}
	if len(msgs) == 0 {
		return nil
	}
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}

	docs := make([]messageDocument, len(msgs))
	for i, m := range msgs {
		docs[i] = fromMessage(m)
	}
	now := time.Now().UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_key": key, "active": true}
	update := bson.M{
		"$push": bson.M{"messages": bson.M{"$each": docs}},
		"$set":  bson.M{"last_activity": now},
	}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	cur, err := c.LoadSession(ctx, key)
	if err != nil {
		return err
	}
	if !cur.Active {
		return session.ErrSessionInactive
	}
	return session.ErrSessionNotFound
}

func (c *client) ListMessages(ctx context.Context, key string) ([]session.Message, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_key": key}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	out := make([]session.Message, len(doc.Messages))
	for i, m := range doc.Messages {
		out[i] = m.toMessage()
	}
	return out, nil
}

func (c *client) SetSessionTitle(ctx context.Context, key, title string) error {
	if key == "" {
		return errors.New("session key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_key": key}
	update := bson.M{"$set": bson.M{"title": title}}
	res, err := c.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

func (c *client) DeactivateSession(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("session key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_key": key}
	update := bson.M{"$set": bson.M{"active": false}}
	res, err := c.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return session.ErrSessionNotFound
	}
	return nil
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

type sessionDocument struct {
	SessionKey   string            `bson:"session_key"`
	Owner        string            `bson:"owner"`
	Title        string            `bson:"title,omitempty"`
	Context      map[string]any    `bson:"context,omitempty"`
	Active       bool              `bson:"active"`
	CreatedAt    time.Time         `bson:"created_at"`
	LastActivity time.Time         `bson:"last_activity"`
	Messages     []messageDocument `bson:"messages,omitempty"`
}

type messageDocument struct {
	Role      session.Role       `bson:"role"`
	Content   string             `bson:"content"`
	Timestamp time.Time          `bson:"timestamp"`
	ToolCalls []toolCallDocument `bson:"tool_calls,omitempty"`
	TaskID    string             `bson:"task_id,omitempty"`
}

type toolCallDocument struct {
	Name      string `bson:"name"`
	Arguments []byte `bson:"arguments,omitempty"`
}

func (doc sessionDocument) toSession() session.Session {
	return session.Session{
		Key:          doc.SessionKey,
		Owner:        doc.Owner,
		Title:        doc.Title,
		Context:      cloneContext(doc.Context),
		Active:       doc.Active,
		CreatedAt:    doc.CreatedAt.UTC(),
		LastActivity: doc.LastActivity.UTC(),
	}
}

func fromMessage(m session.Message) messageDocument {
	doc := messageDocument{
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp.UTC(),
		TaskID:    m.TaskID,
	}
	if len(m.ToolCalls) > 0 {
		doc.ToolCalls = make([]toolCallDocument, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			doc.ToolCalls[i] = toolCallDocument{Name: tc.Name, Arguments: tc.Arguments}
		}
	}
	return doc
}

func (doc messageDocument) toMessage() session.Message {
	m := session.Message{
		Role:      doc.Role,
		Content:   doc.Content,
		Timestamp: doc.Timestamp.UTC(),
		TaskID:    doc.TaskID,
	}
	if len(doc.ToolCalls) > 0 {
		m.ToolCalls = make([]session.ToolCallRef, len(doc.ToolCalls))
		for i, tc := range doc.ToolCalls {
			m.ToolCalls[i] = session.ToolCallRef{Name: tc.Name, Arguments: tc.Arguments}
		}
	}
	return m
}

func cloneContext(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, sessionsColl collection) error {
	keyIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, keyIndex); err != nil {
		return err
	}
	ownerIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "owner", Value: 1},
			{Key: "last_activity", Value: -1},
		},
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, ownerIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, sessionsColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessionsColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
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

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
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

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
