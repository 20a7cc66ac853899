package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// CollectionKV is the collection holding key-value documents.
const CollectionKV = "kv"

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// Manager owns a MongoDB client and the configured database handle.
type Manager struct {
	client mongoClient
	db     *mongo.Database
}

// NewManager initializes the Mongo client and verifies connectivity with a ping.
func NewManager(ctx context.Context, uri, database string) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client, err := connectMongo(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Manager{
		client: client,
		db:     client.Database(database),
	}, nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	return m.db
}

// Collection returns a collection handle for the given name.
func (m *Manager) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// KV returns a Store backed by the kv collection.
func (m *Manager) KV() *MongoStore {
	return NewMongoStore(m.Collection(CollectionKV), m)
}

// Ping checks connectivity against the primary.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// EnsureIndexes creates the TTL index that lets MongoDB reap expired keys.
// The collection is created implicitly if it does not already exist.
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	kvIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().
				SetName("expires_at_ttl").
				SetExpireAfterSeconds(0),
		},
	}

	if _, err := createIndexes(ctx, m.Collection(CollectionKV), kvIndexes); err != nil {
		return fmt.Errorf("create kv indexes: %w", err)
	}

	return nil
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}

type kvCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// kvDocument is the stored shape. Counters live in Num so $inc stays atomic.
type kvDocument struct {
	Key       string     `bson:"_id"`
	Value     *string    `bson:"value,omitempty"`
	Num       *int64     `bson:"num,omitempty"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// MongoStore implements Store on a MongoDB collection. Expired documents are
// filtered on read and removed by the TTL index.
type MongoStore struct {
	coll   kvCollection
	pinger pinger
	now    func() time.Time
}

// NewMongoStore wraps a collection. pinger may be nil.
func NewMongoStore(coll kvCollection, p pinger) *MongoStore {
	return &MongoStore{
		coll:   coll,
		pinger: p,
		now:    time.Now,
	}
}

func (s *MongoStore) liveFilter(key string) bson.M {
	return bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": bson.M{"$gt": s.now().UTC()}},
		},
	}
}

func (s *MongoStore) Get(ctx context.Context, key string) (string, error) {
	var doc kvDocument
	if err := s.coll.FindOne(ctx, s.liveFilter(key)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("mongo get %s: %w", key, err)
	}

	switch {
	case doc.Num != nil:
		return strconv.FormatInt(*doc.Num, 10), nil
	case doc.Value != nil:
		return *doc.Value, nil
	default:
		return "", ErrNotFound
	}
}

func (s *MongoStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": key}, s.valueUpdate(value, ttl), options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo set %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// An expired document still occupies the _id until the TTL monitor runs,
	// so reclaim it first.
	reclaimed, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": key, "expires_at": bson.M{"$lte": s.now().UTC()}},
		s.valueUpdate(value, ttl),
	)
	if err != nil {
		return false, fmt.Errorf("mongo setnx %s: %w", key, err)
	}
	if reclaimed != nil && reclaimed.MatchedCount > 0 {
		return true, nil
	}

	doc := kvDocument{Key: key, Value: &value}
	if ttl > 0 {
		expires := s.now().UTC().Add(ttl)
		doc.ExpiresAt = &expires
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongo setnx %s: %w", key, err)
	}
	return true, nil
}

func (s *MongoStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var doc kvDocument
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$inc": bson.M{"num": delta}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongo incr %s: %w", key, err)
	}
	if doc.Num == nil {
		return 0, fmt.Errorf("mongo incr %s: %w", key, ErrNotInteger)
	}
	return *doc.Num, nil
}

func (s *MongoStore) CompareAndSwap(ctx context.Context, key, old, next string, ttl time.Duration) (bool, error) {
	if old == "" {
		return s.SetNX(ctx, key, next, ttl)
	}

	filter := s.liveFilter(key)
	filter["value"] = old

	result, err := s.coll.UpdateOne(ctx, filter, s.valueUpdate(next, ttl))
	if err != nil {
		return false, fmt.Errorf("mongo cas %s: %w", key, err)
	}
	return result != nil && result.MatchedCount == 1, nil
}

func (s *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("mongo delete %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger.Ping(ctx)
}

func (s *MongoStore) valueUpdate(value string, ttl time.Duration) bson.M {
	update := bson.M{
		"$set":   bson.M{"value": value},
		"$unset": bson.M{"num": ""},
	}
	if ttl > 0 {
		update["$set"].(bson.M)["expires_at"] = s.now().UTC().Add(ttl)
	} else {
		update["$unset"].(bson.M)["expires_at"] = ""
	}
	return update
}
