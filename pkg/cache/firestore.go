package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore backed store.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection"`
}

// ALLOW FIRESTORE TO BE USED IN LOW VOLUME DEPLOYMENTS
// don't use it like this in high volume deployments - that's what redis is for.

// firestoreEntry is the document layout for a cached entry. Payload is kept
// as JSON text so the document shape does not track the payload type.
// A Firestore TTL policy on expires_at purges documents physically; Get
// treats a passed expires_at as a miss either way.
type firestoreEntry struct {
	Payload   string    `firestore:"payload"`
	FetchedAt time.Time `firestore:"fetched_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

type firestoreLock struct {
	Owner     string    `firestore:"owner"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

// FirestoreStore implements Store on top of a Firestore collection. Locks are
// kept in a sibling collection and managed inside transactions.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	lockCollection string
	clock          clock.Clock
	logger         zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore. A nil clock uses wall time.
func NewFirestoreStore(
	cfg *FirestoreConfig,
	client *firestore.Client,
	clk clock.Clock,
	logger zerolog.Logger,
) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}
	if clk == nil {
		clk = clock.New()
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		lockCollection: cfg.CollectionName + "_locks",
		clock:          clk,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// Get retrieves the entry document for key.
func (s *FirestoreStore) Get(ctx context.Context, key string) (*Entry, error) {
	docSnap, err := s.client.Collection(s.collectionName).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to get document from Firestore.")
		return nil, mapFirestoreError("get", key, err)
	}

	var doc firestoreEntry
	if err := docSnap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	if !s.clock.Now().Before(doc.ExpiresAt) {
		s.logger.Debug().Str("key", key).Msg("Firestore entry past its expiry.")
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(doc.Payload), &entry.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for %s: %w", key, err)
	}
	entry.FetchedAt = doc.FetchedAt
	return &entry, nil
}

// Set writes the entry document with an expires_at of now+ttl.
func (s *FirestoreStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", key, err)
	}
	doc := firestoreEntry{
		Payload:   string(payload),
		FetchedAt: entry.FetchedAt,
		ExpiresAt: s.clock.Now().Add(ttl),
	}
	if _, err := s.client.Collection(s.collectionName).Doc(key).Set(ctx, doc); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to write document to Firestore.")
		return mapFirestoreError("set", key, err)
	}
	return nil
}

// TryAcquireLock reads and conditionally writes the lock document in one transaction.
func (s *FirestoreStore) TryAcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	ref := s.client.Collection(s.lockCollection).Doc(lockKey)
	var acquired bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		acquired = false
		now := s.clock.Now()
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			var held firestoreLock
			if err := snap.DataTo(&held); err != nil {
				return err
			}
			if now.Before(held.ExpiresAt) {
				return nil
			}
		}
		acquired = true
		return tx.Set(ref, firestoreLock{Owner: owner, ExpiresAt: now.Add(ttl)})
	})
	if err != nil {
		return false, mapFirestoreError("lock", lockKey, err)
	}
	return acquired, nil
}

// ReleaseLock deletes the lock document if owner still holds it.
func (s *FirestoreStore) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	ref := s.client.Collection(s.lockCollection).Doc(lockKey)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		var held firestoreLock
		if err := snap.DataTo(&held); err != nil {
			return err
		}
		if held.Owner != owner {
			s.logger.Warn().Str("lock_key", lockKey).Msg("Lock was no longer held by this owner at release.")
			return nil
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return mapFirestoreError("unlock", lockKey, err)
	}
	return nil
}

// Ping reads a sentinel document; NotFound counts as reachable.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.collectionName).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return mapFirestoreError("ping", "_ping", err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	s.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}

func mapFirestoreError(op, key string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return fmt.Errorf("%w: firestore %s %s: %w", ErrStoreUnavailable, op, key, err)
	}
	return fmt.Errorf("firestore %s for %s: %w", op, key, err)
}
