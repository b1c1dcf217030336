// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	// Collections
	partners *mongo.Collection
	messages *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string
	// Collection holds partner records; messages go to "messages"
	Collection string
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	collection := cfg.Collection
	if collection == "" {
		collection = "partners"
	}

	s := &Store{
		client:   client,
		db:       db,
		partners: db.Collection(collection),
		messages: db.Collection("messages"),
	}

	// Create indexes
	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	// Partner indexes
	_, err := s.partners.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "is_local", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating partner indexes: %w", err)
	}

	// Message indexes
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "direction", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "from_id", Value: 1}}},
		{Keys: bson.D{{Key: "to_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// PartnerStore implementation

func (s *Store) Get(ctx context.Context, id string) (*partner.Record, error) {
	var record partner.Record
	err := s.partners.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", partner.ErrUnknownPartner, id)
	}
	if err != nil {
		return nil, fmt.Errorf("finding partner %s: %w", id, err)
	}
	return &record, nil
}

func (s *Store) List(ctx context.Context) ([]*partner.Record, error) {
	cursor, err := s.partners.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*partner.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) PutPartner(ctx context.Context, record *partner.Record) error {
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("%w: empty id", partner.ErrInvalidPartner)
	}
	_, err := s.partners.ReplaceOne(ctx, bson.M{"_id": record.ID}, record, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) DeletePartner(ctx context.Context, id string) error {
	res, err := s.partners.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", partner.ErrUnknownPartner, id)
	}
	return nil
}

// MessageLog implementation

func (s *Store) SaveMessage(ctx context.Context, msg *storage.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	_, err := s.messages.ReplaceOne(ctx, bson.M{"_id": msg.ID}, msg, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	var msg storage.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", storage.ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) UpdateDisposition(ctx context.Context, id, disposition, modifier string) error {
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"status":      storage.StatusFor(disposition),
			"disposition": disposition,
			"modifier":    modifier,
			"updated_at":  time.Now(),
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", storage.ErrMessageNotFound, id)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, filter *storage.MessageFilter) ([]*storage.Message, error) {
	query := bson.M{}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter != nil {
		if filter.Direction != "" {
			query["direction"] = filter.Direction
		}
		if filter.Status != "" {
			query["status"] = filter.Status
		}
		if filter.PartnerID != "" {
			query["$or"] = bson.A{
				bson.M{"from_id": filter.PartnerID},
				bson.M{"to_id": filter.PartnerID},
			}
		}
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			opts.SetSkip(int64(filter.Offset))
		}
	}

	cursor, err := s.messages.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*storage.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}
