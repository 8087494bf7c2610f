// Package service contains the business logic layer.
//
// This file implements identity resolution for billing purposes: every
// request is classified into exactly one Subject variant before any
// accounting happens.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/repository"
)

// =============================================================================
// Interface Definition
// =============================================================================

// ResolveParams carries the identity material of an inbound request.
type ResolveParams struct {
	// AuthToken is the raw bearer token, if present. It is only ever
	// hashed and looked up against stored sessions; its payload is never
	// decoded. Unverified claims must not influence billing.
	AuthToken string

	// ClientIP is the caller's IP, required when no token is supplied.
	ClientIP string
}

// IdentityService resolves requests to billing subjects.
type IdentityService interface {
	// Resolve classifies the request into exactly one Subject variant.
	// Returns domain.EINVALID when neither token nor IP is available,
	// domain.EUNAUTHORIZED for an invalid token, and domain.EFORBIDDEN
	// when risk scoring rejects the caller.
	Resolve(ctx context.Context, params ResolveParams) (domain.Subject, error)
}

// IdentityStore is the persistence surface identity resolution needs.
// *repository.Store satisfies it.
type IdentityStore interface {
	GetUserBySessionTokenHash(ctx context.Context, tokenHash string) (repository.User, error)
	GetActiveSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (repository.Subscription, error)
}

// =============================================================================
// Implementation
// =============================================================================

type identityService struct {
	store  IdentityStore
	risk   RiskClient
	salt   string
	seal   func(plaintext string) (string, error)
	logger *slog.Logger
}

// NewIdentityService creates an IdentityService.
//
// salt feeds the one-way IP hash; key is the 32-byte ChaCha20-Poly1305 key
// for the compliance-only encrypted IP field. risk may be nil to disable
// risk scoring.
func NewIdentityService(store IdentityStore, risk RiskClient, salt string, key []byte, logger *slog.Logger) (IdentityService, error) {
	seal, err := newIPEncryptor(key)
	if err != nil {
		return nil, err
	}
	return &identityService{
		store:  store,
		risk:   risk,
		salt:   salt,
		seal:   seal,
		logger: logger,
	}, nil
}

func (s *identityService) Resolve(ctx context.Context, params ResolveParams) (domain.Subject, error) {
	const op = "identity.resolve"

	token := strings.TrimSpace(params.AuthToken)
	if token != "" {
		return s.resolveAuthenticated(ctx, op, token)
	}

	ip := strings.TrimSpace(params.ClientIP)
	if ip == "" {
		return nil, domain.Invalid(op, "request carries neither an auth token nor a client IP")
	}
	return s.resolveVisitor(ctx, op, ip)
}

func (s *identityService) resolveAuthenticated(ctx context.Context, op, token string) (domain.Subject, error) {
	user, err := s.store.GetUserBySessionTokenHash(ctx, HashToken(token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Unauthorized(op, "invalid or expired session")
	}
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}

	if user.Role == string(domain.RoleSuperAdmin) {
		return domain.SuperAdmin{UserID: user.ID}, nil
	}

	sub, err := s.store.GetActiveSubscriptionByUserID(ctx, user.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FreeAuthenticated{UserID: user.ID}, nil
	}
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}
	return domain.Subscriber{
		UserID:       user.ID,
		Tier:         domain.SubscriptionTier(sub.Tier),
		BillingCycle: domain.BillingCycle(sub.BillingCycle),
	}, nil
}

func (s *identityService) resolveVisitor(ctx context.Context, op, ip string) (domain.Subject, error) {
	if net.ParseIP(ip) == nil {
		return nil, domain.Invalid(op, "client IP is not a valid address")
	}

	if s.risk != nil {
		score := s.risk.Score(ctx, ip)
		if score == RiskHigh {
			s.logger.Warn("visitor denied by risk score", "ip_hash", s.hashIP(ip))
			return nil, domain.SecurityDenied(op, "request denied")
		}
	}

	encrypted, err := s.seal(ip)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to encrypt client IP")
	}
	return domain.AnonymousVisitor{
		IPHash:      s.hashIP(ip),
		IPEncrypted: encrypted,
	}, nil
}

// hashIP computes the salted one-way hash that stands in for the IP in
// every ledger table.
func (s *identityService) hashIP(ip string) string {
	sum := sha256.Sum256([]byte(s.salt + "|" + ip))
	return hex.EncodeToString(sum[:])
}

// HashToken hashes a raw bearer token for session lookup. Matches how the
// auth service stores tokens: SHA-256, hex-encoded.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// newIPEncryptor binds a ChaCha20-Poly1305 key into a seal function
// producing base64(nonce||ciphertext). The field exists solely for
// compliance export; nothing in the billing path ever decrypts it.
func newIPEncryptor(key []byte) (func(string) (string, error), error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return func(plaintext string) (string, error) {
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return "", err
		}
		sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
		return base64.StdEncoding.EncodeToString(sealed), nil
	}, nil
}
