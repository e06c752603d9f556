package grant

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Ledger records consumed grant ids. Consume succeeds once per id.
type Ledger interface {
	Consume(ctx context.Context, g *Grant) error
}

type MemoryLedger struct {
	mu   sync.Mutex
	used map[string]time.Time // id -> expiry
	now  func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		used: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (l *MemoryLedger) Consume(ctx context.Context, g *Grant) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	// Expired ids can never verify again, so they are safe to forget.
	for id, exp := range l.used {
		if !exp.IsZero() && now.After(exp) {
			delete(l.used, id)
		}
	}

	if _, ok := l.used[g.ID]; ok {
		return ErrConsumed
	}
	l.used[g.ID] = g.ExpiresAt
	return nil
}

type consumedGrant struct {
	ID         string    `bson:"_id"`
	ConsumedAt time.Time `bson:"consumed_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

// MongoLedger keeps consumed grants in a collection so single use holds
// across restarts.
type MongoLedger struct {
	grantCollection *mongo.Collection
}

func NewMongoLedger(db *mongo.Database) *MongoLedger {
	return &MongoLedger{
		grantCollection: db.Collection("consumed_grants"),
	}
}

// EnsureIndexes adds a TTL index so expired grant ids are purged.
func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	_, err := l.grantCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("create grant ttl index: %w", err)
	}
	return nil
}

func (l *MongoLedger) Consume(ctx context.Context, g *Grant) error {
	_, err := l.grantCollection.InsertOne(ctx, consumedGrant{
		ID:         g.ID,
		ConsumedAt: time.Now().UTC(),
		ExpiresAt:  g.ExpiresAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrConsumed
	}
	if err != nil {
		log.Printf("Grants: failed to record consumed grant %s: %v", g.ID, err)
		return fmt.Errorf("record consumed grant: %w", err)
	}
	return nil
}

// Redeemer verifies and consumes grants in one step.
type Redeemer struct {
	issuer *Issuer
	ledger Ledger
}

func NewRedeemer(issuer *Issuer, ledger Ledger) *Redeemer {
	return &Redeemer{issuer: issuer, ledger: ledger}
}

func (r *Redeemer) Redeem(ctx context.Context, g *Grant) error {
	if err := r.issuer.Verify(g); err != nil {
		return err
	}
	return r.ledger.Consume(ctx, g)
}
