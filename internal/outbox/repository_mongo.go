package outbox

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository implements Repository on MongoDB collections. Status
// updates are UpdateMany by _id set; the poll query sorts on
// messageGroup, createdAt exactly like the SQL backends.
type MongoRepository struct {
	db     *mongo.Database
	config *RepositoryConfig
}

// NewMongoRepository creates a MongoDB outbox repository.
func NewMongoRepository(db *mongo.Database, config *RepositoryConfig) *MongoRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
		config.DatabaseType = DatabaseMongoDB
	}
	return &MongoRepository{db: db, config: config}
}

func (r *MongoRepository) GetTableName(itemType ItemType) string {
	return r.config.tableFor(itemType)
}

func (r *MongoRepository) collection(itemType ItemType) *mongo.Collection {
	return r.db.Collection(r.GetTableName(itemType))
}

func (r *MongoRepository) FetchPending(ctx context.Context, itemType ItemType, limit int) ([]*Item, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "messageGroup", Value: 1}, {Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection(itemType).Find(ctx, bson.M{"status": StatusPending}, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeItems(ctx, cursor)
}

func (r *MongoRepository) MarkAsInProgress(ctx context.Context, itemType ItemType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}, "status": StatusPending}
	update := bson.M{"$set": bson.M{"status": StatusInProgress, "updatedAt": time.Now()}}

	if _, err := r.collection(itemType).UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("mark as in-progress: %w", err)
	}
	return nil
}

func (r *MongoRepository) MarkWithStatus(ctx context.Context, itemType ItemType, ids []string, status Status) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	update := bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now()}}

	if _, err := r.collection(itemType).UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("mark with status %s: %w", status, err)
	}
	return nil
}

func (r *MongoRepository) MarkWithStatusAndError(ctx context.Context, itemType ItemType, ids []string, status Status, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	update := bson.M{
		"$set": bson.M{
			"status":       status,
			"errorMessage": errorMessage,
			"updatedAt":    time.Now(),
		},
		"$inc": bson.M{"retryCount": 1},
	}

	if _, err := r.collection(itemType).UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("mark with status %s and error: %w", status, err)
	}
	return nil
}

func (r *MongoRepository) FetchStuckItems(ctx context.Context, itemType ItemType) ([]*Item, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cursor, err := r.collection(itemType).Find(ctx, bson.M{"status": StatusInProgress}, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck items: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeItems(ctx, cursor)
}

func (r *MongoRepository) ResetStuckItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.resetToPending(ctx, itemType, ids, "reset stuck items")
}

func (r *MongoRepository) FetchRecoverableItems(ctx context.Context, itemType ItemType, timeoutSeconds int, limit int) ([]*Item, error) {
	cutoff := time.Now().Add(-time.Duration(timeoutSeconds) * time.Second)
	filter := bson.M{
		"status":    bson.M{"$in": RecoverableStatuses},
		"updatedAt": bson.M{"$lt": cutoff},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection(itemType).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch recoverable items: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeItems(ctx, cursor)
}

func (r *MongoRepository) ResetRecoverableItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.resetToPending(ctx, itemType, ids, "reset recoverable items")
}

func (r *MongoRepository) IncrementRetryCount(ctx context.Context, itemType ItemType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	update := bson.M{
		"$set": bson.M{"status": StatusPending, "updatedAt": time.Now()},
		"$inc": bson.M{"retryCount": 1},
	}

	if _, err := r.collection(itemType).UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	return nil
}

func (r *MongoRepository) CountPending(ctx context.Context, itemType ItemType) (int64, error) {
	count, err := r.collection(itemType).CountDocuments(ctx, bson.M{"status": StatusPending})
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

func (r *MongoRepository) CreateSchema(ctx context.Context) error {
	for _, itemType := range ItemTypes {
		coll := r.collection(itemType)

		indexes := []mongo.IndexModel{
			{
				Keys: bson.D{
					{Key: "status", Value: 1},
					{Key: "messageGroup", Value: 1},
					{Key: "createdAt", Value: 1},
				},
				Options: options.Index().SetName("idx_poll"),
			},
			{
				Keys: bson.D{
					{Key: "status", Value: 1},
					{Key: "createdAt", Value: 1},
				},
				Options: options.Index().SetName("idx_recovery"),
			},
		}

		if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (r *MongoRepository) resetToPending(ctx context.Context, itemType ItemType, ids []string, op string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	update := bson.M{"$set": bson.M{"status": StatusPending, "updatedAt": time.Now()}}

	if _, err := r.collection(itemType).UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func decodeItems(ctx context.Context, cursor *mongo.Cursor) ([]*Item, error) {
	var items []*Item
	for cursor.Next(ctx) {
		var item Item
		if err := cursor.Decode(&item); err != nil {
			return nil, fmt.Errorf("decode outbox document: %w", err)
		}
		items = append(items, &item)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox documents: %w", err)
	}
	return items, nil
}
