package store

import (
	"context"
	"errors"
	"time"

	"tokenbroker/pkg/oauth"
)

// ErrNotFound is returned when an entry is missing or has expired.
var ErrNotFound = errors.New("not found")

// Default lifetimes and limits.
const (
	DefaultRecordTTL      = 90 * 24 * time.Hour
	DefaultTransactionTTL = 10 * time.Minute
	DefaultCodeTTL        = 10 * time.Minute
	DefaultSessionTTL     = 24 * time.Hour
	DefaultSweepInterval  = 60 * time.Second

	DefaultMaxRecords      = 50000
	DefaultMaxTransactions = 10000
	DefaultMaxCodes        = 10000
	DefaultMaxSessions     = 10000
)

// RsRecord binds an RS token pair to the provider tokens it stands for.
// Both RS tokens resolve to the same record.
type RsRecord struct {
	RsAccessToken  string       `json:"rs_access_token"`
	RsRefreshToken string       `json:"rs_refresh_token"`
	Provider       *oauth.Token `json:"provider"`
	CreatedAt      time.Time    `json:"created_at"`

	// ExpiresAt is the server-side expiry set at write time. It is
	// independent of the provider token's own expiry.
	ExpiresAt time.Time `json:"expires_at"`
}

// Clone returns a deep copy.
func (r *RsRecord) Clone() *RsRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Provider = r.Provider.Clone()
	return &c
}

func (r *RsRecord) createdAt() time.Time { return r.CreatedAt }
func (r *RsRecord) expiresAt() time.Time { return r.ExpiresAt }

// Transaction is one in-flight authorization attempt.
// Provider stays nil until the provider callback completes.
type Transaction struct {
	ID                  string       `json:"id"`
	ClientID            string       `json:"client_id,omitempty"`
	CodeChallenge       string       `json:"code_challenge"`
	CodeChallengeMethod string       `json:"code_challenge_method"`
	State               string       `json:"state,omitempty"`
	Scope               string       `json:"scope,omitempty"`
	RedirectURI         string       `json:"redirect_uri"`
	SessionID           string       `json:"sid,omitempty"`
	Provider            *oauth.Token `json:"provider,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	ExpiresAt           time.Time    `json:"expires_at"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Provider = t.Provider.Clone()
	return &c
}

func (t *Transaction) createdAt() time.Time { return t.CreatedAt }
func (t *Transaction) expiresAt() time.Time { return t.ExpiresAt }

// SessionRecord is caller session bookkeeping. Reading a session extends
// its expiry.
type SessionRecord struct {
	ID         string            `json:"id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastAccess time.Time         `json:"last_access"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// Clone returns a deep copy.
func (s *SessionRecord) Clone() *SessionRecord {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (s *SessionRecord) createdAt() time.Time { return s.CreatedAt }
func (s *SessionRecord) expiresAt() time.Time { return s.ExpiresAt }

// codeEntry maps a single-use authorization code to its transaction.
type codeEntry struct {
	TxnID     string    `json:"txn_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *codeEntry) createdAt() time.Time { return c.CreatedAt }
func (c *codeEntry) expiresAt() time.Time { return c.ExpiresAt }

// TokenStore maps RS tokens to provider tokens and holds authorization
// flow state.
type TokenStore interface {
	// StoreRsMapping creates a record for rsAccess. When rsRefresh already
	// maps to a record, that record's access token and provider tokens are
	// replaced and its refresh token is kept. An empty rsRefresh mints a
	// new one.
	StoreRsMapping(ctx context.Context, rsAccess string, provider *oauth.Token, rsRefresh string) (*RsRecord, error)
	GetByRsAccess(ctx context.Context, rsAccess string) (*RsRecord, error)
	GetByRsRefresh(ctx context.Context, rsRefresh string) (*RsRecord, error)

	// UpdateByRsRefresh replaces the provider tokens of the record owning
	// rsRefresh. A non-empty newRsAccess atomically replaces the access
	// token index entry.
	UpdateByRsRefresh(ctx context.Context, rsRefresh string, provider *oauth.Token, newRsAccess string) (*RsRecord, error)

	// RevokeRsToken removes the record reachable through either of its
	// RS tokens.
	RevokeRsToken(ctx context.Context, token string) error

	SaveTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error

	SaveCode(ctx context.Context, code, txnID string) error
	GetTxnIDByCode(ctx context.Context, code string) (string, error)

	// ConsumeCode removes code and returns its transaction id in one step.
	// Of any number of concurrent calls for the same code at most one
	// succeeds; the others get ErrNotFound.
	ConsumeCode(ctx context.Context, code string) (string, error)
}

// SessionStore keeps caller sessions with sliding expiry.
type SessionStore interface {
	SaveSession(ctx context.Context, session *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error
}

// Stats reports live entry counts per collection.
type Stats struct {
	Records      int `json:"records"`
	Transactions int `json:"transactions"`
	Codes        int `json:"codes"`
	Sessions     int `json:"sessions"`
}

// Store is the full contract implemented by every backend.
type Store interface {
	TokenStore
	SessionStore

	Stats() Stats

	// Flush synchronously persists pending state. It is a no-op for
	// backends without durable state.
	Flush(ctx context.Context) error

	// Close stops background work and flushes.
	Close() error
}

// TTLs configures entry lifetimes. Zero values fall back to the defaults.
type TTLs struct {
	Record      time.Duration
	Transaction time.Duration
	Code        time.Duration
	Session     time.Duration
}

func (t TTLs) withDefaults() TTLs {
	if t.Record <= 0 {
		t.Record = DefaultRecordTTL
	}
	if t.Transaction <= 0 {
		t.Transaction = DefaultTransactionTTL
	}
	if t.Code <= 0 {
		t.Code = DefaultCodeTTL
	}
	if t.Session <= 0 {
		t.Session = DefaultSessionTTL
	}
	return t
}

// Limits bounds each collection. Zero values fall back to the defaults.
type Limits struct {
	Records      int
	Transactions int
	Codes        int
	Sessions     int
}

func (l Limits) withDefaults() Limits {
	if l.Records <= 0 {
		l.Records = DefaultMaxRecords
	}
	if l.Transactions <= 0 {
		l.Transactions = DefaultMaxTransactions
	}
	if l.Codes <= 0 {
		l.Codes = DefaultMaxCodes
	}
	if l.Sessions <= 0 {
		l.Sessions = DefaultMaxSessions
	}
	return l
}
