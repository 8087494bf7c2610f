package repository

import (
	"context"

	"github.com/google/uuid"
)

const getUserByID = `
SELECT id, email, role, stripe_customer_id, created_at
FROM users
WHERE id = $1
`

func (q *Queries) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	row := q.db.QueryRowContext(ctx, getUserByID, id)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Role, &u.StripeCustomerID, &u.CreatedAt)
	return u, err
}

const getUserBySessionTokenHash = `
SELECT u.id, u.email, u.role, u.stripe_customer_id, u.created_at
FROM users u
JOIN auth_sessions s ON s.user_id = u.id
WHERE s.token_hash = $1 AND s.expires_at > now()
`

// GetUserBySessionTokenHash resolves a verified identity: the caller's
// bearer token is hashed and looked up against stored sessions. Token
// payloads are never decoded or trusted.
func (q *Queries) GetUserBySessionTokenHash(ctx context.Context, tokenHash string) (User, error) {
	row := q.db.QueryRowContext(ctx, getUserBySessionTokenHash, tokenHash)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Role, &u.StripeCustomerID, &u.CreatedAt)
	return u, err
}

const getUserByStripeCustomerID = `
SELECT id, email, role, stripe_customer_id, created_at
FROM users
WHERE stripe_customer_id = $1
`

func (q *Queries) GetUserByStripeCustomerID(ctx context.Context, customerID string) (User, error) {
	row := q.db.QueryRowContext(ctx, getUserByStripeCustomerID, customerID)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Role, &u.StripeCustomerID, &u.CreatedAt)
	return u, err
}
