package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"adaptimg/internal/models"
)

const (
	recordsCollection = "catalog_records"
	sourcesCollection = "source_images"
)

// Mongo stores each catalog record as one document keyed by source id.
type Mongo struct {
	client  *mongo.Client
	records *mongo.Collection
	sources *mongo.Collection
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	const op = "storage.NewMongo"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	m := &Mongo{client: client, records: db.Collection(recordsCollection), sources: db.Collection(sourcesCollection)}

	_, err = m.sources.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "file", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: index: %w", op, err)
	}
	return m, nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) LoadRecord(ctx context.Context, sourceID string) (*models.CatalogRecord, error) {
	const op = "storage.Mongo.LoadRecord"

	var rec models.CatalogRecord
	err := m.records.FindOne(ctx, bson.M{"_id": sourceID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if rec.Sizes == nil {
		rec.Sizes = map[string]models.SizeVariant{}
	}
	return &rec, nil
}

func (m *Mongo) SaveRecord(ctx context.Context, rec models.CatalogRecord) error {
	const op = "storage.Mongo.SaveRecord"

	_, err := m.records.ReplaceOne(ctx, bson.M{"_id": rec.SourceID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Mongo) DeleteRecord(ctx context.Context, sourceID string) error {
	const op = "storage.Mongo.DeleteRecord"

	if _, err := m.records.DeleteOne(ctx, bson.M{"_id": sourceID}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Mongo) SaveSource(ctx context.Context, src models.SourceImage) error {
	const op = "storage.Mongo.SaveSource"

	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	_, err := m.sources.ReplaceOne(ctx, bson.M{"_id": src.ID}, src, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Mongo) GetSource(ctx context.Context, id string) (*models.SourceImage, error) {
	return m.findSource(ctx, "storage.Mongo.GetSource", bson.M{"_id": id})
}

func (m *Mongo) SourceByFile(ctx context.Context, file string) (*models.SourceImage, error) {
	return m.findSource(ctx, "storage.Mongo.SourceByFile", bson.M{"file": file})
}

func (m *Mongo) findSource(ctx context.Context, op string, filter bson.M) (*models.SourceImage, error) {
	var src models.SourceImage
	err := m.sources.FindOne(ctx, filter).Decode(&src)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &src, nil
}

func (m *Mongo) DeleteSource(ctx context.Context, id string) error {
	const op = "storage.Mongo.DeleteSource"

	if _, err := m.sources.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Mongo) PruneOrphans(ctx context.Context) ([]string, error) {
	const op = "storage.Mongo.PruneOrphans"

	cursor, err := m.records.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: sourcesCollection},
			{Key: "localField", Value: "_id"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "source"},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "source", Value: bson.D{{Key: "$size", Value: 0}}}}}},
		{{Key: "$project", Value: bson.D{{Key: "_id", Value: 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var orphans []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &orphans); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(orphans))
	for _, o := range orphans {
		ids = append(ids, o.ID)
	}
	if _, err := m.records.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}
