package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/matchmaking/internal/identity"
)

// IdentityRepository is an identity.Store persisted in the
// connection_identities table. Only bcrypt hashes of passwords are stored,
// so identities survive a server restart without exposing secrets.
type IdentityRepository struct {
	db   *pgxpool.Pool
	cost int
}

// NewIdentityRepository creates an IdentityRepository backed by the given
// pool. A cost of zero selects bcrypt.DefaultCost.
//
// Precondition: db must be a valid, open connection pool with the schema applied.
func NewIdentityRepository(db *pgxpool.Pool, cost int) *IdentityRepository {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &IdentityRepository{db: db, cost: cost}
}

// Register implements identity.Store.
//
// Postcondition: the returned ConnectionID is not held by any other stored identity.
func (r *IdentityRepository) Register(ctx context.Context) (identity.ID, error) {
	password, err := identity.GeneratePassword()
	if err != nil {
		return identity.ID{}, err
	}
	hash, err := hashSecret(password, r.cost)
	if err != nil {
		return identity.ID{}, fmt.Errorf("hashing secret: %w", err)
	}

	for {
		id := uuid.NewString()
		tag, err := r.db.Exec(ctx,
			`INSERT INTO connection_identities (connection_id, secret_hash)
			 VALUES ($1, $2)
			 ON CONFLICT (connection_id) DO NOTHING`,
			id, hash,
		)
		if err != nil {
			return identity.ID{}, fmt.Errorf("inserting identity: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return identity.ID{ConnectionID: id, Password: password}, nil
		}
	}
}

// IsAuthorized implements identity.Store. A connection id that is not a
// UUID cannot have been issued and reports NotFound.
func (r *IdentityRepository) IsAuthorized(ctx context.Context, candidate identity.ID) (identity.AuthorizationResult, error) {
	if uuid.Validate(candidate.ConnectionID) != nil {
		return identity.NotFound, nil
	}
	var hash string
	err := r.db.QueryRow(ctx,
		`SELECT secret_hash FROM connection_identities WHERE connection_id = $1`,
		candidate.ConnectionID,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.NotFound, nil
		}
		return identity.NotFound, fmt.Errorf("querying identity: %w", err)
	}
	if !checkSecret(candidate.Password, hash) {
		return identity.NotAuthorized, nil
	}
	return identity.Authorized, nil
}

// Remove implements identity.Store.
func (r *IdentityRepository) Remove(ctx context.Context, connectionID string) error {
	if uuid.Validate(connectionID) != nil {
		return fmt.Errorf("removing %q: %w", connectionID, identity.ErrNotFound)
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM connection_identities WHERE connection_id = $1`,
		connectionID,
	)
	if err != nil {
		return fmt.Errorf("deleting identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("removing %q: %w", connectionID, identity.ErrNotFound)
	}
	return nil
}

// Count returns the number of stored identities.
func (r *IdentityRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM connection_identities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting identities: %w", err)
	}
	return n, nil
}

// PurgeBefore deletes identities created before cutoff and returns how
// many were removed.
func (r *IdentityRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM connection_identities WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purging identities: %w", err)
	}
	return tag.RowsAffected(), nil
}

func hashSecret(secret string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
