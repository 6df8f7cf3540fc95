package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

// MongoQueue implements Queue on a MongoDB collection. Claims are a single
// FindOneAndUpdate, so two workers can never lease the same document.
//
// Payload maps are stored as CBOR blobs; times are Unix nanoseconds.
type MongoQueue struct {
	coll *mongo.Collection
	cfg  Config
}

var _ Queue = (*MongoQueue)(nil)

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "steward", collName to "invocations".
func NewMongoQueue(client *mongo.Client, dbName, collName string, cfg Config) *MongoQueue {
	if dbName == "" {
		dbName = "steward"
	}
	if collName == "" {
		collName = "invocations"
	}
	return &MongoQueue{
		coll: client.Database(dbName).Collection(collName),
		cfg:  cfg.withDefaults(),
	}
}

// EnsureIndexes creates the index used by Claim.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_at", Value: 1}},
	})
	return err
}

type mongoInvocationDoc struct {
	ID             string `bson:"_id"`
	ExecutionID    string `bson:"execution_id"`
	Step           int    `bson:"step"`
	Action         string `bson:"action"`
	Input          []byte `bson:"input,omitempty"`
	Attempt        int    `bson:"attempt"`
	Status         string `bson:"status"`
	ScheduledAt    int64  `bson:"scheduled_at"`
	CreatedAt      int64  `bson:"created_at"`
	CompletedAt    int64  `bson:"completed_at,omitempty"`
	Error          string `bson:"error,omitempty"`
	Owner          string `bson:"owner,omitempty"`
	LeaseExpiresAt int64  `bson:"lease_expires_at,omitempty"`
	Deliveries     int    `bson:"deliveries"`
	ResultStatus   string `bson:"result_status,omitempty"`
	Output         []byte `bson:"output,omitempty"`
}

func (d *mongoInvocationDoc) toInvocation() (*api.ActionInvocation, error) {
	inv := &api.ActionInvocation{
		ID:           d.ID,
		ExecutionID:  d.ExecutionID,
		Step:         d.Step,
		Action:       api.ActionName(d.Action),
		Attempt:      d.Attempt,
		Status:       api.InvocationStatus(d.Status),
		ScheduledAt:  time.Unix(0, d.ScheduledAt).UTC(),
		CreatedAt:    time.Unix(0, d.CreatedAt).UTC(),
		Error:        d.Error,
		Owner:        d.Owner,
		Deliveries:   d.Deliveries,
		ResultStatus: api.ResultStatus(d.ResultStatus),
	}
	if d.CompletedAt != 0 {
		t := time.Unix(0, d.CompletedAt).UTC()
		inv.CompletedAt = &t
	}
	if d.LeaseExpiresAt != 0 {
		t := time.Unix(0, d.LeaseExpiresAt).UTC()
		inv.LeaseExpiresAt = &t
	}
	var err error
	if inv.Input, err = persistence.DecodePayload(d.Input); err != nil {
		return nil, err
	}
	if inv.Output, err = persistence.DecodePayload(d.Output); err != nil {
		return nil, err
	}
	return inv, nil
}

func (q *MongoQueue) Enqueue(ctx context.Context, inv *api.ActionInvocation) error {
	prepare(inv, q.cfg.Now())
	input, err := persistence.EncodePayload(inv.Input)
	if err != nil {
		return fmt.Errorf("taskqueue: encode input: %w", err)
	}
	doc := mongoInvocationDoc{
		ID:          inv.ID,
		ExecutionID: inv.ExecutionID,
		Step:        inv.Step,
		Action:      string(inv.Action),
		Input:       input,
		Attempt:     inv.Attempt,
		Status:      string(api.InvocationPending),
		ScheduledAt: inv.ScheduledAt.UnixNano(),
		CreatedAt:   inv.CreatedAt.UnixNano(),
	}
	if _, err := q.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("taskqueue: enqueue: %w", err)
	}
	return nil
}

func (q *MongoQueue) Claim(ctx context.Context, owner string) (*api.ActionInvocation, error) {
	now := q.cfg.Now()
	nowN := now.UnixNano()

	filter := bson.M{
		"$or": []bson.M{
			{"status": string(api.InvocationPending), "scheduled_at": bson.M{"$lte": nowN}},
			{"status": string(api.InvocationRunning), "lease_expires_at": bson.M{"$lte": nowN}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":           string(api.InvocationRunning),
			"owner":            owner,
			"lease_expires_at": now.Add(q.cfg.VisibilityTimeout).UnixNano(),
		},
		"$inc": bson.M{"deliveries": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "scheduled_at", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoInvocationDoc
	err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: claim: %w", err)
	}
	return doc.toInvocation()
}

func (q *MongoQueue) refuse(ctx context.Context, id, owner string) error {
	inv, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := reportError(inv, owner); err != nil {
		return err
	}
	return ErrLeaseLost
}

func leaseFilter(id, owner string) bson.M {
	return bson.M{"_id": id, "owner": owner, "status": string(api.InvocationRunning)}
}

func (q *MongoQueue) Extend(ctx context.Context, id, owner string) error {
	res, err := q.coll.UpdateOne(ctx, leaseFilter(id, owner), bson.M{
		"$set": bson.M{"lease_expires_at": q.cfg.Now().Add(q.cfg.VisibilityTimeout).UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("taskqueue: extend: %w", err)
	}
	if res.MatchedCount == 0 {
		return q.refuse(ctx, id, owner)
	}
	return nil
}

func (q *MongoQueue) finish(ctx context.Context, id, owner string, r api.Result) error {
	output, err := persistence.EncodePayload(r.Output)
	if err != nil {
		return fmt.Errorf("taskqueue: encode output: %w", err)
	}
	errText := ""
	if !r.Succeeded() {
		errText = r.Detail
	}
	res, err := q.coll.UpdateOne(ctx, leaseFilter(id, owner), bson.M{
		"$set": bson.M{
			"status":        string(finishedStatus(r)),
			"result_status": string(r.Status),
			"output":        output,
			"error":         errText,
			"completed_at":  q.cfg.Now().UnixNano(),
		},
		"$unset": bson.M{"lease_expires_at": ""},
	})
	if err != nil {
		return fmt.Errorf("taskqueue: report: %w", err)
	}
	if res.MatchedCount == 0 {
		return q.refuse(ctx, id, owner)
	}
	return nil
}

func (q *MongoQueue) Complete(ctx context.Context, id, owner string, res api.Result) error {
	return q.finish(ctx, id, owner, res)
}

func (q *MongoQueue) Fail(ctx context.Context, id, owner string, res api.Result) error {
	return q.finish(ctx, id, owner, res)
}

func (q *MongoQueue) Get(ctx context.Context, id string) (*api.ActionInvocation, error) {
	var doc mongoInvocationDoc
	err := q.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: get: %w", err)
	}
	return doc.toInvocation()
}

func (q *MongoQueue) Len(ctx context.Context) (int, error) {
	n, err := q.coll.CountDocuments(ctx, bson.M{
		"status": bson.M{"$in": []string{string(api.InvocationPending), string(api.InvocationRunning)}},
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
