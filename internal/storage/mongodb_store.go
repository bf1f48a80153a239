package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/tigerfans/server/internal/errors"
)

// MongoStore persists orders in MongoDB, as an alternative durable backend
// for deployments without PostgreSQL available for orders.
type MongoStore struct {
	orders *mongo.Collection
}

// NewMongoStore creates an order store on a connected client.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{
		orders: client.Database(database).Collection("orders"),
	}
}

// Setup creates the unique indexes that guard against duplicate orders.
// Idempotent.
func (m *MongoStore) Setup(ctx context.Context) error {
	_, err := m.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "ticket_ref", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "ticket_code", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{
					{Key: "ticket_code", Value: bson.D{{Key: "$type", Value: "string"}}},
				}),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "create order indexes", err)
	}
	return nil
}

// InsertOrder persists a new order, mapping duplicate key errors to
// ErrDuplicate.
func (m *MongoStore) InsertOrder(ctx context.Context, o Order) error {
	_, err := m.orders.InsertOne(ctx, o)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "insert order", err)
	}
	return nil
}

// GetOrder fetches an order by id.
func (m *MongoStore) GetOrder(ctx context.Context, id string) (Order, error) {
	var o Order
	err := m.orders.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&o)
	if err == mongo.ErrNoDocuments {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get order", err)
	}
	return o, nil
}

// ListRecent returns the newest orders.
func (m *MongoStore) ListRecent(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 200
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := m.orders.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "list orders", err)
	}
	defer cursor.Close(ctx)

	var out []Order
	if err := cursor.All(ctx, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "decode orders", err)
	}
	return out, nil
}
