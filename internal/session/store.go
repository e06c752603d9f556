package session

import (
	"context"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store persists the session record so a fresh process or UI can read it.
type Store interface {
	Save(ctx context.Context, rec Record) error
	// Load returns nil when nothing has been saved yet.
	Load(ctx context.Context) (*Record, error)
}

type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = &rec
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	rec := *s.rec
	return &rec, nil
}

const currentKey = "current"

type storedRecord struct {
	Key    string `bson:"_id"`
	Record `bson:",inline"`
}

type MongoStore struct {
	sessionCollection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		sessionCollection: db.Collection("sessions"),
	}
}

func (s *MongoStore) Save(ctx context.Context, rec Record) error {
	_, err := s.sessionCollection.ReplaceOne(ctx,
		bson.M{"_id": currentKey},
		storedRecord{Key: currentKey, Record: rec},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) Load(ctx context.Context) (*Record, error) {
	var stored storedRecord
	err := s.sessionCollection.FindOne(ctx, bson.M{"_id": currentKey}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stored.Record, nil
}
