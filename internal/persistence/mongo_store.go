package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conduit/pkg/api"
)

// MongoStore is a Store backed by MongoDB. Idempotency keys and DLQ entries
// live in two collections keyed by _id, so claim arbitration relies on the
// unique _id index plus single-document conditional updates.
type MongoStore struct {
	keys        *mongo.Collection
	deadLetters *mongo.Collection
	now         func() time.Time
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "conduit" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "conduit"
	}
	db := client.Database(dbName)
	return &MongoStore{
		keys:        db.Collection("idempotency_keys"),
		deadLetters: db.Collection("dead_letters"),
		now:         time.Now,
	}
}

// EnsureIndexes creates the secondary indexes used by List.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.deadLetters.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "enqueued_at", Value: 1}}},
		{Keys: bson.D{{Key: "workflow_name", Value: 1}, {Key: "enqueued_at", Value: 1}}},
	})
	return err
}

type mongoKeyDoc struct {
	Key            string `bson:"_id"`
	State          string `bson:"state"`
	Owner          string `bson:"owner,omitempty"`
	LeaseExpiresAt int64  `bson:"lease_expires_at,omitempty"`
	Outcome        string `bson:"outcome,omitempty"`
	Result         []byte `bson:"result,omitempty"`
	Error          string `bson:"error,omitempty"`
	InstanceID     string `bson:"instance_id,omitempty"`
	WorkflowName   string `bson:"workflow_name,omitempty"`
	CompletedAt    int64  `bson:"completed_at,omitempty"`
}

func (d mongoKeyDoc) record() (api.IdempotencyRecord, error) {
	result, err := DecodeValue[any](d.Result)
	if err != nil {
		return api.IdempotencyRecord{}, err
	}
	return api.IdempotencyRecord{
		Key:          d.Key,
		Outcome:      api.Outcome(d.Outcome),
		Result:       result,
		Error:        d.Error,
		InstanceID:   d.InstanceID,
		WorkflowName: d.WorkflowName,
		CompletedAt:  fromUnixNano(d.CompletedAt),
	}, nil
}

func (s *MongoStore) TryClaim(ctx context.Context, key, owner string, lease time.Duration) (api.Claim, error) {
	if err := validateLease(lease); err != nil {
		return api.Claim{}, err
	}

	for i := 0; i < claimRetries; i++ {
		now := s.now()
		expires := now.Add(lease)
		acquired := api.Claim{Status: api.ClaimAcquired, Owner: owner, LeaseExpiresAt: expires}

		_, err := s.keys.InsertOne(ctx, mongoKeyDoc{
			Key:            key,
			State:          stateInFlight,
			Owner:          owner,
			LeaseExpiresAt: expires.UnixNano(),
		})
		if err == nil {
			return acquired, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return api.Claim{}, err
		}

		// Take over a marker that is ours or whose lease expired.
		res, err := s.keys.UpdateOne(ctx,
			bson.M{
				"_id":   key,
				"state": stateInFlight,
				"$or": bson.A{
					bson.M{"owner": owner},
					bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
				},
			},
			bson.M{"$set": bson.M{"owner": owner, "lease_expires_at": expires.UnixNano()}},
		)
		if err != nil {
			return api.Claim{}, err
		}
		if res.MatchedCount == 1 {
			return acquired, nil
		}

		var doc mongoKeyDoc
		err = s.keys.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return api.Claim{}, err
		}
		if doc.State == stateCompleted {
			rec, err := doc.record()
			if err != nil {
				return api.Claim{}, err
			}
			return api.Claim{Status: api.ClaimAlreadyCompleted, Record: &rec}, nil
		}
		return api.Claim{Status: api.ClaimInFlight, Owner: doc.Owner, LeaseExpiresAt: fromUnixNano(doc.LeaseExpiresAt)}, nil
	}
	return api.Claim{}, errors.New("try claim: key kept changing state")
}

func (s *MongoStore) ownedFilter(key, owner string) bson.M {
	return bson.M{"_id": key, "state": stateInFlight, "owner": owner}
}

func (s *MongoStore) RenewClaim(ctx context.Context, key, owner string, lease time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	res, err := s.keys.UpdateOne(ctx, s.ownedFilter(key, owner),
		bson.M{"$set": bson.M{"lease_expires_at": s.now().Add(lease).UnixNano()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrClaimLost
	}
	return nil
}

func (s *MongoStore) ReleaseClaim(ctx context.Context, key, owner string) error {
	_, err := s.keys.DeleteOne(ctx, s.ownedFilter(key, owner))
	return err
}

func (s *MongoStore) Complete(ctx context.Context, key, owner string, rec api.IdempotencyRecord) error {
	result, err := EncodeValue(rec.Result)
	if err != nil {
		return err
	}
	completedAt := rec.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}

	res, err := s.keys.UpdateOne(ctx, s.ownedFilter(key, owner), bson.M{
		"$set": bson.M{
			"state":         stateCompleted,
			"outcome":       string(rec.Outcome),
			"result":        result,
			"error":         rec.Error,
			"instance_id":   rec.InstanceID,
			"workflow_name": rec.WorkflowName,
			"completed_at":  completedAt.UnixNano(),
		},
		"$unset": bson.M{"owner": "", "lease_expires_at": ""},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrClaimLost
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, key string) (api.IdempotencyRecord, error) {
	var doc mongoKeyDoc
	err := s.keys.FindOne(ctx, bson.M{"_id": key, "state": stateCompleted}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.IdempotencyRecord{}, api.ErrRecordNotFound
		}
		return api.IdempotencyRecord{}, err
	}
	return doc.record()
}

type mongoDeadLetterDoc struct {
	InstanceID     string `bson:"_id"`
	WorkflowName   string `bson:"workflow_name"`
	IdempotencyKey string `bson:"idempotency_key"`
	EventType      string `bson:"event_type"`
	Event          []byte `bson:"event"`
	StepName       string `bson:"step_name,omitempty"`
	Attempts       int    `bson:"attempts"`
	FinalError     string `bson:"final_error,omitempty"`
	ErrorKind      string `bson:"error_kind,omitempty"`
	EnqueuedAt     int64  `bson:"enqueued_at"`
}

func (d mongoDeadLetterDoc) entry() (api.DeadLetterEntry, error) {
	ev, err := decodeEvent(d.Event)
	if err != nil {
		return api.DeadLetterEntry{}, err
	}
	return api.DeadLetterEntry{
		InstanceID:     d.InstanceID,
		WorkflowName:   d.WorkflowName,
		IdempotencyKey: d.IdempotencyKey,
		Event:          ev,
		StepName:       d.StepName,
		Attempts:       d.Attempts,
		FinalError:     d.FinalError,
		ErrorKind:      api.ErrorKind(d.ErrorKind),
		EnqueuedAt:     fromUnixNano(d.EnqueuedAt),
	}, nil
}

func (s *MongoStore) Enqueue(ctx context.Context, entry api.DeadLetterEntry) error {
	ev, err := encodeEvent(entry.Event)
	if err != nil {
		return err
	}
	enqueuedAt := entry.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = s.now()
	}

	_, err = s.deadLetters.InsertOne(ctx, mongoDeadLetterDoc{
		InstanceID:     entry.InstanceID,
		WorkflowName:   entry.WorkflowName,
		IdempotencyKey: entry.IdempotencyKey,
		EventType:      entry.Event.Type,
		Event:          ev,
		StepName:       entry.StepName,
		Attempts:       entry.Attempts,
		FinalError:     entry.FinalError,
		ErrorKind:      string(entry.ErrorKind),
		EnqueuedAt:     enqueuedAt.UnixNano(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *MongoStore) List(ctx context.Context, filter api.DeadLetterFilter) ([]api.DeadLetterEntry, error) {
	bfilter := bson.M{}
	if filter.WorkflowName != "" {
		bfilter["workflow_name"] = filter.WorkflowName
	}
	if filter.EventType != "" {
		bfilter["event_type"] = filter.EventType
	}
	if !filter.Since.IsZero() {
		bfilter["enqueued_at"] = bson.M{"$gte": filter.Since.UnixNano()}
	}

	opts := options.Find().SetSort(bson.D{{Key: "enqueued_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.deadLetters.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entries []api.DeadLetterEntry
	for cur.Next(ctx) {
		var doc mongoDeadLetterDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		e, err := doc.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, cur.Err()
}

func (s *MongoStore) GetEntry(ctx context.Context, instanceID string) (api.DeadLetterEntry, error) {
	var doc mongoDeadLetterDoc
	err := s.deadLetters.FindOne(ctx, bson.M{"_id": instanceID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.DeadLetterEntry{}, api.ErrEntryNotFound
		}
		return api.DeadLetterEntry{}, err
	}
	return doc.entry()
}

func (s *MongoStore) Ack(ctx context.Context, instanceID string) error {
	res, err := s.deadLetters.DeleteOne(ctx, bson.M{"_id": instanceID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return api.ErrEntryNotFound
	}
	return nil
}

func (s *MongoStore) Depth(ctx context.Context) (int, error) {
	n, err := s.deadLetters.CountDocuments(ctx, bson.M{})
	return int(n), err
}
