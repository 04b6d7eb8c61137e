package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tokenbroker/internal/metrics"
	"tokenbroker/pkg/logging"
	"tokenbroker/pkg/oauth"
)

// MemoryStore is the in-process backend. It is authoritative for a single
// process and safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	// records is keyed by RS refresh token; accessIndex maps an RS access
	// token to the refresh token owning its record.
	records     *collection[*RsRecord]
	accessIndex map[string]string

	txns     *collection[*Transaction]
	codes    *collection[*codeEntry]
	sessions *collection[*SessionRecord]

	ttls          TTLs
	now           func() time.Time
	sweepInterval time.Duration
	onChange      func()

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithSweepInterval sets how often expired entries are purged. Zero or a
// negative value disables the background sweep.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.sweepInterval = d }
}

// WithLimits bounds each collection.
func WithLimits(l Limits) MemoryOption {
	return func(m *MemoryStore) {
		l = l.withDefaults()
		m.records.limit = l.Records
		m.txns.limit = l.Transactions
		m.codes.limit = l.Codes
		m.sessions.limit = l.Sessions
	}
}

// WithTTLs sets entry lifetimes.
func WithTTLs(t TTLs) MemoryOption {
	return func(m *MemoryStore) { m.ttls = t.withDefaults() }
}

// withChangeHook registers fn to run after every RS record mutation, outside
// the store lock.
func withChangeHook(fn func()) MemoryOption {
	return func(m *MemoryStore) { m.onChange = fn }
}

// NewMemoryStore creates an in-process store and starts its sweep loop.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	limits := Limits{}.withDefaults()
	m := &MemoryStore{
		records:       newCollection[*RsRecord](limits.Records),
		accessIndex:   make(map[string]string),
		txns:          newCollection[*Transaction](limits.Transactions),
		codes:         newCollection[*codeEntry](limits.Codes),
		sessions:      newCollection[*SessionRecord](limits.Sessions),
		ttls:          TTLs{}.withDefaults(),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.sweepInterval > 0 {
		go m.sweepLoop()
	}

	return m
}

func (m *MemoryStore) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}

// StoreRsMapping implements TokenStore.
func (m *MemoryStore) StoreRsMapping(_ context.Context, rsAccess string, provider *oauth.Token, rsRefresh string) (*RsRecord, error) {
	if rsAccess == "" {
		return nil, fmt.Errorf("rs access token is required")
	}
	if provider == nil || provider.AccessToken == "" {
		return nil, fmt.Errorf("provider access token is required")
	}

	if rsRefresh == "" {
		var err error
		rsRefresh, err = oauth.GenerateOpaqueToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate rs refresh token: %w", err)
		}
	}

	now := m.now()

	m.mu.Lock()
	rec, ok := m.records.get(rsRefresh)
	if ok && isExpired(rec, now) {
		m.removeRecordLocked(rsRefresh, rec)
		ok = false
	}

	if ok {
		// Keep the refresh token and creation time, replace the rest.
		if rec.RsAccessToken != rsAccess {
			delete(m.accessIndex, rec.RsAccessToken)
		}
		rec.RsAccessToken = rsAccess
		rec.Provider = provider.Clone()
		rec.ExpiresAt = now.Add(m.ttls.Record)
	} else {
		rec = &RsRecord{
			RsAccessToken:  rsAccess,
			RsRefreshToken: rsRefresh,
			Provider:       provider.Clone(),
			CreatedAt:      now,
			ExpiresAt:      now.Add(m.ttls.Record),
		}
		m.putRecordLocked(rec)
	}
	m.accessIndex[rsAccess] = rsRefresh
	out := rec.Clone()
	m.mu.Unlock()

	logging.Debug("Store", "Stored RS mapping access=%s refresh=%s (replaced: %v)",
		logging.TruncateID(rsAccess), logging.TruncateID(rsRefresh), ok)
	m.changed()
	return out, nil
}

// GetByRsAccess implements TokenStore.
func (m *MemoryStore) GetByRsAccess(_ context.Context, rsAccess string) (*RsRecord, error) {
	m.mu.RLock()
	rsRefresh, ok := m.accessIndex[rsAccess]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.getRecord(rsRefresh)
}

// GetByRsRefresh implements TokenStore.
func (m *MemoryStore) GetByRsRefresh(_ context.Context, rsRefresh string) (*RsRecord, error) {
	return m.getRecord(rsRefresh)
}

func (m *MemoryStore) getRecord(rsRefresh string) (*RsRecord, error) {
	now := m.now()

	m.mu.RLock()
	rec, ok := m.records.get(rsRefresh)
	if ok && !isExpired(rec, now) {
		out := rec.Clone()
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	// Lazily drop the expired record and its access index entry.
	removed := false
	m.mu.Lock()
	if rec, ok := m.records.get(rsRefresh); ok && isExpired(rec, now) {
		m.removeRecordLocked(rsRefresh, rec)
		removed = true
	}
	m.mu.Unlock()
	if removed {
		m.changed()
	}

	return nil, ErrNotFound
}

// UpdateByRsRefresh implements TokenStore.
func (m *MemoryStore) UpdateByRsRefresh(_ context.Context, rsRefresh string, provider *oauth.Token, newRsAccess string) (*RsRecord, error) {
	if provider == nil || provider.AccessToken == "" {
		return nil, fmt.Errorf("provider access token is required")
	}

	now := m.now()

	m.mu.Lock()
	rec, ok := m.records.get(rsRefresh)
	if !ok || isExpired(rec, now) {
		if ok {
			m.removeRecordLocked(rsRefresh, rec)
		}
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	rec.Provider = provider.Clone()
	rec.ExpiresAt = now.Add(m.ttls.Record)
	if newRsAccess != "" && newRsAccess != rec.RsAccessToken {
		delete(m.accessIndex, rec.RsAccessToken)
		rec.RsAccessToken = newRsAccess
		m.accessIndex[newRsAccess] = rsRefresh
	}
	out := rec.Clone()
	m.mu.Unlock()

	logging.Debug("Store", "Updated RS record refresh=%s access=%s",
		logging.TruncateID(rsRefresh), logging.TruncateID(out.RsAccessToken))
	m.changed()
	return out, nil
}

// RevokeRsToken implements TokenStore.
func (m *MemoryStore) RevokeRsToken(_ context.Context, token string) error {
	m.mu.Lock()
	rsRefresh := token
	if r, ok := m.accessIndex[token]; ok {
		rsRefresh = r
	}
	rec, ok := m.records.get(rsRefresh)
	if ok {
		m.removeRecordLocked(rsRefresh, rec)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	logging.Debug("Store", "Revoked RS record refresh=%s", logging.TruncateID(rsRefresh))
	m.changed()
	return nil
}

// putRecordLocked inserts rec, evicting the oldest records at capacity.
// Caller holds m.mu.
func (m *MemoryStore) putRecordLocked(rec *RsRecord) {
	evicted := m.records.put(rec.RsRefreshToken, rec)
	for _, old := range evicted {
		delete(m.accessIndex, old.RsAccessToken)
	}
	if n := len(evicted); n > 0 {
		metrics.StoreEvictions.WithLabelValues("records").Add(float64(n))
		logging.Debug("Store", "Evicted %d RS records at capacity", n)
	}
}

// removeRecordLocked drops rec from both indices. Caller holds m.mu.
func (m *MemoryStore) removeRecordLocked(rsRefresh string, rec *RsRecord) {
	m.records.remove(rsRefresh)
	if owner, ok := m.accessIndex[rec.RsAccessToken]; ok && owner == rsRefresh {
		delete(m.accessIndex, rec.RsAccessToken)
	}
}

// upsertRecord stores a copy of rec as-is, keeping its timestamps. It is
// used to seed the store from persisted or remote state.
func (m *MemoryStore) upsertRecord(rec *RsRecord) {
	if rec == nil || rec.RsRefreshToken == "" {
		return
	}
	c := rec.Clone()

	m.mu.Lock()
	if old, ok := m.records.get(c.RsRefreshToken); ok && old.RsAccessToken != c.RsAccessToken {
		delete(m.accessIndex, old.RsAccessToken)
	}
	m.putRecordLocked(c)
	m.accessIndex[c.RsAccessToken] = c.RsRefreshToken
	m.mu.Unlock()
}

// snapshotRecords copies every unexpired record.
func (m *MemoryStore) snapshotRecords() []*RsRecord {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RsRecord, 0, m.records.len())
	for _, rec := range m.records.items {
		if !isExpired(rec, now) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// SaveTransaction implements TokenStore.
func (m *MemoryStore) SaveTransaction(_ context.Context, txn *Transaction) error {
	if txn == nil || txn.ID == "" {
		return fmt.Errorf("transaction id is required")
	}

	now := m.now()
	c := txn.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.CreatedAt.Add(m.ttls.Transaction)
	}

	m.mu.Lock()
	evicted := m.txns.put(c.ID, c)
	m.mu.Unlock()

	if n := len(evicted); n > 0 {
		metrics.StoreEvictions.WithLabelValues("transactions").Add(float64(n))
	}
	return nil
}

// GetTransaction implements TokenStore.
func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if isExpired(txn, now) {
		m.txns.remove(id)
		return nil, ErrNotFound
	}
	return txn.Clone(), nil
}

// DeleteTransaction implements TokenStore.
func (m *MemoryStore) DeleteTransaction(_ context.Context, id string) error {
	m.mu.Lock()
	m.txns.remove(id)
	m.mu.Unlock()
	return nil
}

// SaveCode implements TokenStore.
func (m *MemoryStore) SaveCode(_ context.Context, code, txnID string) error {
	if code == "" || txnID == "" {
		return fmt.Errorf("code and transaction id are required")
	}
	now := m.now()
	m.saveCodeEntry(code, &codeEntry{
		TxnID:     txnID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttls.Code),
	})
	return nil
}

func (m *MemoryStore) saveCodeEntry(code string, e *codeEntry) {
	m.mu.Lock()
	evicted := m.codes.put(code, e)
	m.mu.Unlock()

	if n := len(evicted); n > 0 {
		metrics.StoreEvictions.WithLabelValues("codes").Add(float64(n))
	}
}

// GetTxnIDByCode implements TokenStore.
func (m *MemoryStore) GetTxnIDByCode(_ context.Context, code string) (string, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.codes.get(code)
	if !ok {
		return "", ErrNotFound
	}
	if isExpired(e, now) {
		m.codes.remove(code)
		return "", ErrNotFound
	}
	return e.TxnID, nil
}

// ConsumeCode implements TokenStore.
func (m *MemoryStore) ConsumeCode(_ context.Context, code string) (string, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.codes.get(code)
	if !ok {
		return "", ErrNotFound
	}
	m.codes.remove(code)
	if isExpired(e, now) {
		return "", ErrNotFound
	}
	return e.TxnID, nil
}

// SaveSession implements SessionStore. The session's expiry is set to one
// session TTL from now.
func (m *MemoryStore) SaveSession(_ context.Context, session *SessionRecord) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	now := m.now()
	c := session.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.LastAccess = now
	c.ExpiresAt = now.Add(m.ttls.Session)

	m.mu.Lock()
	evicted := m.sessions.put(c.ID, c)
	m.mu.Unlock()

	if n := len(evicted); n > 0 {
		metrics.StoreEvictions.WithLabelValues("sessions").Add(float64(n))
	}
	return nil
}

// GetSession implements SessionStore and slides the session's expiry.
func (m *MemoryStore) GetSession(_ context.Context, id string) (*SessionRecord, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if isExpired(s, now) {
		m.sessions.remove(id)
		return nil, ErrNotFound
	}
	s.LastAccess = now
	s.ExpiresAt = now.Add(m.ttls.Session)
	return s.Clone(), nil
}

// DeleteSession implements SessionStore.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	m.sessions.remove(id)
	m.mu.Unlock()
	return nil
}

// Stats implements Store.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Records:      m.records.len(),
		Transactions: m.txns.len(),
		Codes:        m.codes.len(),
		Sessions:     m.sessions.len(),
	}
}

// Flush implements Store. The in-process backend has nothing to persist.
func (m *MemoryStore) Flush(context.Context) error {
	return nil
}

// Close stops the background sweep.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopSweep) })
	return nil
}

func (m *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopSweep:
			return
		}
	}
}

// sweep purges expired entries. Expired keys are collected under the read
// lock and then removed one short write lock at a time, so foreground
// operations are never held up for a full scan.
func (m *MemoryStore) sweep() {
	now := m.now()

	m.mu.RLock()
	recordKeys := m.records.expiredKeys(now)
	txnKeys := m.txns.expiredKeys(now)
	codeKeys := m.codes.expiredKeys(now)
	sessionKeys := m.sessions.expiredKeys(now)
	m.mu.RUnlock()

	removed := 0
	for _, k := range recordKeys {
		m.mu.Lock()
		if rec, ok := m.records.get(k); ok && isExpired(rec, now) {
			m.removeRecordLocked(k, rec)
			removed++
		}
		m.mu.Unlock()
	}
	removed += sweepCollection(&m.mu, m.txns, txnKeys, now)
	removed += sweepCollection(&m.mu, m.codes, codeKeys, now)
	removed += sweepCollection(&m.mu, m.sessions, sessionKeys, now)

	stats := m.Stats()
	metrics.StoreEntries.WithLabelValues("records").Set(float64(stats.Records))
	metrics.StoreEntries.WithLabelValues("transactions").Set(float64(stats.Transactions))
	metrics.StoreEntries.WithLabelValues("codes").Set(float64(stats.Codes))
	metrics.StoreEntries.WithLabelValues("sessions").Set(float64(stats.Sessions))

	if removed > 0 {
		logging.Debug("Store", "Swept %d expired entries", removed)
	}
	if len(recordKeys) > 0 {
		m.changed()
	}
}

func sweepCollection[T lifetime](mu *sync.RWMutex, c *collection[T], keys []string, now time.Time) int {
	removed := 0
	for _, k := range keys {
		mu.Lock()
		if v, ok := c.get(k); ok && isExpired(v, now) {
			c.remove(k)
			removed++
		}
		mu.Unlock()
	}
	return removed
}
