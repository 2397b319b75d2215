package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:        string,    // task ID
//	  type:       string,
//	  not_before: int64,     // unix nanoseconds
//	  seq:        int64,     // enqueue time, unix nanoseconds
//	  payload:    []byte,    // gob-encoded Task
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
	now          func() time.Time
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "conduit", collName to "inbound_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "conduit"
	}
	if collName == "" {
		collName = "inbound_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
		now:          time.Now,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID        string `bson:"_id"`
	Type      string `bson:"type"`
	NotBefore int64  `bson:"not_before"`
	Seq       int64  `bson:"seq"`
	Payload   []byte `bson:"payload"`
}

// EnsureIndexes creates the index Dequeue sorts on.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "not_before", Value: 1}, {Key: "seq", Value: 1}},
	})
	return err
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.coll.InsertOne(ctx, mongoTaskDoc{
		ID:        t.ID,
		Type:      string(t.Type),
		NotBefore: t.NotBefore.UnixNano(),
		Seq:       t.EnqueuedAt.UnixNano(),
		Payload:   data,
	})
	return err
}

// Dequeue blocks (via polling) until a task is eligible or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		var doc mongoTaskDoc
		err := q.coll.FindOneAndDelete(
			ctx,
			bson.M{"not_before": bson.M{"$lte": q.now().UnixNano()}},
			options.FindOneAndDelete().SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "seq", Value: 1}}),
		).Decode(&doc)
		if err == nil {
			task, derr := DecodeTask(doc.Payload)
			if derr != nil {
				return nil, fmt.Errorf("task %s: %w", doc.ID, derr)
			}
			return task, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		if err := sleepContext(ctx, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Default().Warn("mongo queue length", "error", err)
		return 0
	}
	return int(n)
}
