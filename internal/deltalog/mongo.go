package deltalog

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	co "github.com/ilnaes/quillsync/internal/common"
)

// MongoStore keeps one mongo document per log:
//
//	{_id: docId, length: n, deltas: [binary, ...]}
//
// Append is a single findOneAndUpdate that pushes the delta and bumps length, so
// the returned length is the position assigned by the server.
type MongoStore struct {
	client *mongo.Client
	logs   *mongo.Collection
}

type mongoLog struct {
	Length int      `bson:"length"`
	Deltas [][]byte `bson:"deltas"`
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{
		client: client,
		logs:   client.Database(database).Collection("deltalogs"),
	}
}

func (m *MongoStore) Append(ctx context.Context, docId string, delta co.Delta) (int, error) {
	filter := bson.D{{Key: "_id", Value: docId}}
	update := bson.D{
		{Key: "$push", Value: bson.D{{Key: "deltas", Value: []byte(delta)}}},
		{Key: "$inc", Value: bson.D{{Key: "length", Value: 1}}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.D{{Key: "length", Value: 1}})

	var res mongoLog
	if err := m.logs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&res); err != nil {
		return 0, fmt.Errorf("failed to push delta to %s: %w", docId, err)
	}
	return res.Length, nil
}

func (m *MongoStore) ReadAll(ctx context.Context, docId string) ([]co.Delta, error) {
	opts := options.FindOne().SetProjection(bson.D{{Key: "deltas", Value: 1}})

	var res mongoLog
	err := m.logs.FindOne(ctx, bson.D{{Key: "_id", Value: docId}}, opts).Decode(&res)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []co.Delta{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to find log %s: %w", docId, err)
	}

	deltas := make([]co.Delta, len(res.Deltas))
	for i, d := range res.Deltas {
		deltas[i] = co.Delta(d)
	}
	return deltas, nil
}

func (m *MongoStore) Clear(ctx context.Context, docId string) error {
	if _, err := m.logs.DeleteOne(ctx, bson.D{{Key: "_id", Value: docId}}); err != nil {
		return fmt.Errorf("failed to delete log %s: %w", docId, err)
	}
	return nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
