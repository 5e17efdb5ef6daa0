// Package mongo provides a MongoDB implementation of the manifest
// registry store, persisting manifest records for durability across
// restarts.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry"
)

// Store is a MongoDB implementation of the manifestregistry.Store
// interface.
type Store struct {
	collection *mongo.Collection
}

var _ manifestregistry.Store = (*Store)(nil)

// manifestDocument is the MongoDB document representation of a Record.
type manifestDocument struct {
	Name              string     `bson:"_id"`
	Content           string     `bson:"content"`
	ContentHash       string     `bson:"content_hash"`
	Version           string     `bson:"version"`
	LastRunJobID      string     `bson:"last_run_job_id,omitempty"`
	LastRunStatus     string     `bson:"last_run_status,omitempty"`
	LastRunStartedAt  *time.Time `bson:"last_run_started_at,omitempty"`
	LastRunFinishedAt *time.Time `bson:"last_run_finished_at,omitempty"`
	StateJSON         []byte     `bson:"state_json,omitempty"`
	CreatedAt         time.Time  `bson:"created_at"`
	UpdatedAt         time.Time  `bson:"updated_at"`
}

// New creates a new MongoDB store using the provided collection. The
// collection should be from a connected MongoDB client.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// SaveManifest stores or updates a record in MongoDB.
func (s *Store) SaveManifest(ctx context.Context, record *manifestregistry.Record) error {
	doc := toDocument(record)
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": record.Name}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb save manifest %q: %w", record.Name, err)
	}
	return nil
}

// GetManifest retrieves a record by name from MongoDB.
func (s *Store) GetManifest(ctx context.Context, name string) (*manifestregistry.Record, error) {
	var doc manifestDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, manifestregistry.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get manifest %q: %w", name, err)
	}
	return fromDocument(&doc)
}

// DeleteManifest removes a record by name from MongoDB.
func (s *Store) DeleteManifest(ctx context.Context, name string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return fmt.Errorf("mongodb delete manifest %q: %w", name, err)
	}
	if result.DeletedCount == 0 {
		return manifestregistry.ErrNotFound
	}
	return nil
}

// ListManifests returns all records from MongoDB, ordered by name.
func (s *Store) ListManifests(ctx context.Context) ([]*manifestregistry.Record, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list manifests: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []manifestDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list manifests decode: %w", err)
	}

	result := make([]*manifestregistry.Record, len(docs))
	for i, doc := range docs {
		r, err := fromDocument(&doc)
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func toDocument(r *manifestregistry.Record) *manifestDocument {
	doc := &manifestDocument{
		Name:        r.Name,
		Content:     r.Content,
		ContentHash: r.ContentHash,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastRunJobID != nil {
		doc.LastRunJobID = r.LastRunJobID.String()
	}
	if r.LastRunStatus != nil {
		doc.LastRunStatus = *r.LastRunStatus
	}
	doc.LastRunStartedAt = r.LastRunStartedAt
	doc.LastRunFinishedAt = r.LastRunFinishedAt
	if r.StateJSON != nil {
		doc.StateJSON = []byte(*r.StateJSON)
	}
	return doc
}

func fromDocument(doc *manifestDocument) (*manifestregistry.Record, error) {
	r := &manifestregistry.Record{
		Name:              doc.Name,
		Content:           doc.Content,
		ContentHash:       doc.ContentHash,
		Version:           doc.Version,
		LastRunStartedAt:  doc.LastRunStartedAt,
		LastRunFinishedAt: doc.LastRunFinishedAt,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
	if doc.LastRunJobID != "" {
		parsed, err := uuid.Parse(doc.LastRunJobID)
		if err != nil {
			return nil, fmt.Errorf("mongodb decode manifest %q: %w", doc.Name, err)
		}
		r.LastRunJobID = &parsed
	}
	if doc.LastRunStatus != "" {
		status := doc.LastRunStatus
		r.LastRunStatus = &status
	}
	if len(doc.StateJSON) > 0 {
		raw := json.RawMessage(doc.StateJSON)
		r.StateJSON = &raw
	}
	return r, nil
}
