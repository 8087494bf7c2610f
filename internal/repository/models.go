package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type User struct {
	ID               uuid.UUID
	Email            string
	Role             string
	StripeCustomerID sql.NullString
	CreatedAt        time.Time
}

type AuthSession struct {
	TokenHash string
	UserID    uuid.UUID
	ExpiresAt time.Time
	CreatedAt time.Time
}

type Subscription struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	Tier                 string
	Status               string
	BillingCycle         string
	CreditsRemaining     int64
	CreditsTotal         int64
	RenewsAt             time.Time
	StripeCustomerID     sql.NullString
	StripeSubscriptionID sql.NullString
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type VisitorRecord struct {
	IPHash           string
	IPEncrypted      string
	DailyCredits     int64
	CreditsUsedToday int64
	LastVisitDate    time.Time
	ConsecutiveDays  int32
	LastResetDate    sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type UsageSession struct {
	ID              string
	SubjectKind     string
	SubjectKey      string
	Route           string
	StartedAt       time.Time
	EndedAt         sql.NullTime
	ElapsedSeconds  sql.NullInt64
	CreditsDeducted sql.NullInt64
	IsActive        bool
}

type Transaction struct {
	ID            uuid.UUID
	SubjectKind   string
	SubjectKey    string
	Type          string
	Amount        int64
	BalanceAfter  int64
	OperationType string
	Metadata      pqtype.NullRawMessage
	CreatedAt     time.Time
}

type RateWindow struct {
	Identifier  string
	WindowStart time.Time
	Count       int32
}

type JobRun struct {
	ID         uuid.UUID
	JobName    string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int64
	Failed     int64
	Details    pqtype.NullRawMessage
}
