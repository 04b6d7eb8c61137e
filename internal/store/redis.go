package store

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenbroker/internal/metrics"
	"tokenbroker/pkg/logging"
	"tokenbroker/pkg/oauth"
)

// DefaultRedisTimeout bounds every individual Redis operation.
const DefaultRedisTimeout = 2 * time.Second

// DefaultRedisKeyPrefix namespaces all keys written by the broker.
const DefaultRedisKeyPrefix = "tokenbroker:"

// errKeyMissing is returned by kv implementations for absent keys.
var errKeyMissing = errors.New("key missing")

// kvWrite is one value to set with a TTL.
type kvWrite struct {
	key   string
	value []byte
	ttl   time.Duration
}

// kv abstracts the Redis operations the store uses.
type kv interface {
	get(ctx context.Context, key string) ([]byte, error)

	// getDel returns and deletes key atomically.
	getDel(ctx context.Context, key string) ([]byte, error)

	// apply sets writes and deletes dels in one MULTI/EXEC transaction.
	apply(ctx context.Context, writes []kvWrite, dels []string) error

	ping(ctx context.Context) error
	close() error
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TLS       bool

	// Timeout bounds each Redis operation. Zero uses DefaultRedisTimeout.
	Timeout time.Duration

	// Sealer encrypts stored values. Nil stores JSON in plaintext.
	Sealer Sealer
}

// RedisStore is the distributed backend. Every mutation is applied to an
// in-process fallback first and then written to Redis on a best-effort basis;
// Redis failures are logged and counted but never returned. Reads prefer the
// Redis value and fall back to the in-process copy.
//
// Keys are derived from SHA-256 digests of RS tokens and codes so raw
// credentials never appear in key names.
type RedisStore struct {
	remote   kv
	fallback *MemoryStore

	prefix  string
	timeout time.Duration
	sealer  Sealer
}

// NewRedisStore connects to Redis. A failed initial ping is logged and the
// store still starts, serving from the fallback until Redis is reachable.
func NewRedisStore(cfg RedisConfig, memOpts ...MemoryOption) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s := newRedisStore(&redisClientWrapper{client: redis.NewClient(opts)}, cfg, memOpts...)

	ctx, cancel := s.remoteContext(context.Background())
	defer cancel()
	if err := s.remote.ping(ctx); err != nil {
		logging.Warn("RedisStore", "Redis at %s is unreachable, serving from in-process fallback: %v", cfg.Address, err)
	} else {
		logging.Info("RedisStore", "Connected to Redis at %s (db %d)", cfg.Address, cfg.DB)
	}

	return s, nil
}

func newRedisStore(remote kv, cfg RedisConfig, memOpts ...MemoryOption) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisTimeout
	}
	return &RedisStore{
		remote:   remote,
		fallback: NewMemoryStore(memOpts...),
		prefix:   cfg.KeyPrefix,
		timeout:  cfg.Timeout,
		sealer:   cfg.Sealer,
	}
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (s *RedisStore) accessKey(token string) string  { return s.prefix + "rs:access:" + digest(token) }
func (s *RedisStore) refreshKey(token string) string { return s.prefix + "rs:refresh:" + digest(token) }
func (s *RedisStore) txnKey(id string) string        { return s.prefix + "txn:" + id }
func (s *RedisStore) codeKey(code string) string     { return s.prefix + "code:" + digest(code) }
func (s *RedisStore) sessionKey(id string) string    { return s.prefix + "session:" + id }

// remoteContext detaches from the caller's cancellation so a best-effort
// write is not cut short, and bounds the call with the configured timeout.
func (s *RedisStore) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func (s *RedisStore) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return data, nil
	}
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return nil, err
	}
	return []byte(sealed), nil
}

func (s *RedisStore) decode(data []byte, v any) error {
	if s.sealer != nil {
		plain, err := s.sealer.Open(string(data))
		if err != nil {
			return err
		}
		data = plain
	}
	return json.Unmarshal(data, v)
}

// remoteFailed records a degraded remote operation.
func (s *RedisStore) remoteFailed(op string, err error) {
	metrics.StoreRemoteFailures.WithLabelValues(op).Inc()
	logging.Warn("RedisStore", "Redis %s failed, using in-process fallback: %v", op, err)
}

// ttlUntil returns the remaining lifetime, or zero if already expired.
func ttlUntil(exp, now time.Time) time.Duration {
	if exp.IsZero() {
		return 0
	}
	d := exp.Sub(now)
	if d <= 0 {
		return 0
	}
	return d
}

// getRemote loads key into v. It reports false on a miss or a failure.
func (s *RedisStore) getRemote(ctx context.Context, op, key string, v any) bool {
	rctx, cancel := s.remoteContext(ctx)
	defer cancel()

	data, err := s.remote.get(rctx, key)
	if err != nil {
		if !errors.Is(err, errKeyMissing) {
			s.remoteFailed(op, err)
		}
		return false
	}
	if err := s.decode(data, v); err != nil {
		s.remoteFailed(op, err)
		return false
	}
	return true
}

// takeRemote loads and deletes key in one step. reachable is false when
// Redis could not answer.
func (s *RedisStore) takeRemote(ctx context.Context, op, key string, v any) (found, reachable bool) {
	rctx, cancel := s.remoteContext(ctx)
	defer cancel()

	data, err := s.remote.getDel(rctx, key)
	if err != nil {
		if errors.Is(err, errKeyMissing) {
			return false, true
		}
		s.remoteFailed(op, err)
		return false, false
	}
	if err := s.decode(data, v); err != nil {
		s.remoteFailed(op, err)
		return false, true
	}
	return true, true
}

func (s *RedisStore) applyRemote(ctx context.Context, op string, writes []kvWrite, dels []string) {
	rctx, cancel := s.remoteContext(ctx)
	defer cancel()

	if err := s.remote.apply(rctx, writes, dels); err != nil {
		s.remoteFailed(op, err)
	}
}

// recordWrites returns the writes that store rec under both RS token keys.
func (s *RedisStore) recordWrites(rec *RsRecord) ([]kvWrite, error) {
	ttl := ttlUntil(rec.ExpiresAt, s.fallback.now())
	if ttl == 0 {
		return nil, nil
	}
	data, err := s.encode(rec)
	if err != nil {
		return nil, err
	}
	return []kvWrite{
		{key: s.refreshKey(rec.RsRefreshToken), value: data, ttl: ttl},
		{key: s.accessKey(rec.RsAccessToken), value: data, ttl: ttl},
	}, nil
}

// putRecordRemote writes rec and drops the index entry of a replaced access
// token, in one transaction.
func (s *RedisStore) putRecordRemote(ctx context.Context, op string, rec *RsRecord, oldAccess string) {
	writes, err := s.recordWrites(rec)
	if err != nil {
		s.remoteFailed(op, err)
		return
	}
	var dels []string
	if oldAccess != "" && oldAccess != rec.RsAccessToken {
		dels = append(dels, s.accessKey(oldAccess))
	}
	if len(writes) == 0 && len(dels) == 0 {
		return
	}
	s.applyRemote(ctx, op, writes, dels)
}

func (s *RedisStore) recordFromRemote(ctx context.Context, op, key string) *RsRecord {
	var rec RsRecord
	if !s.getRemote(ctx, op, key, &rec) {
		return nil
	}
	if rec.Provider == nil || isExpired(&rec, s.fallback.now()) {
		return nil
	}
	return &rec
}

// StoreRsMapping implements TokenStore.
func (s *RedisStore) StoreRsMapping(ctx context.Context, rsAccess string, provider *oauth.Token, rsRefresh string) (*RsRecord, error) {
	var oldAccess string
	if rsRefresh != "" {
		// Seed the fallback with a record another instance may have created
		// so the replace semantics hold here too.
		if existing, err := s.GetByRsRefresh(ctx, rsRefresh); err == nil {
			oldAccess = existing.RsAccessToken
			s.fallback.upsertRecord(existing)
		}
	}

	rec, err := s.fallback.StoreRsMapping(ctx, rsAccess, provider, rsRefresh)
	if err != nil {
		return nil, err
	}

	s.putRecordRemote(ctx, "store_rs_mapping", rec, oldAccess)
	return rec, nil
}

// GetByRsAccess implements TokenStore.
func (s *RedisStore) GetByRsAccess(ctx context.Context, rsAccess string) (*RsRecord, error) {
	if rec := s.recordFromRemote(ctx, "get_by_rs_access", s.accessKey(rsAccess)); rec != nil && rec.RsAccessToken == rsAccess {
		return rec, nil
	}
	return s.fallback.GetByRsAccess(ctx, rsAccess)
}

// GetByRsRefresh implements TokenStore.
func (s *RedisStore) GetByRsRefresh(ctx context.Context, rsRefresh string) (*RsRecord, error) {
	if rec := s.recordFromRemote(ctx, "get_by_rs_refresh", s.refreshKey(rsRefresh)); rec != nil && rec.RsRefreshToken == rsRefresh {
		return rec, nil
	}
	return s.fallback.GetByRsRefresh(ctx, rsRefresh)
}

// UpdateByRsRefresh implements TokenStore.
func (s *RedisStore) UpdateByRsRefresh(ctx context.Context, rsRefresh string, provider *oauth.Token, newRsAccess string) (*RsRecord, error) {
	existing, err := s.GetByRsRefresh(ctx, rsRefresh)
	if err != nil {
		return nil, err
	}
	s.fallback.upsertRecord(existing)

	rec, err := s.fallback.UpdateByRsRefresh(ctx, rsRefresh, provider, newRsAccess)
	if err != nil {
		return nil, err
	}

	s.putRecordRemote(ctx, "update_by_rs_refresh", rec, existing.RsAccessToken)
	return rec, nil
}

// RevokeRsToken implements TokenStore.
func (s *RedisStore) RevokeRsToken(ctx context.Context, token string) error {
	rec, err := s.GetByRsAccess(ctx, token)
	if err != nil {
		rec, err = s.GetByRsRefresh(ctx, token)
	}
	if err != nil {
		return ErrNotFound
	}

	if err := s.fallback.RevokeRsToken(ctx, rec.RsRefreshToken); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	s.applyRemote(ctx, "revoke_rs_token", nil, []string{
		s.accessKey(rec.RsAccessToken),
		s.refreshKey(rec.RsRefreshToken),
	})
	return nil
}

// SaveTransaction implements TokenStore. Transactions are written to Redis
// so a callback handled by another instance can complete the flow.
func (s *RedisStore) SaveTransaction(ctx context.Context, txn *Transaction) error {
	if err := s.fallback.SaveTransaction(ctx, txn); err != nil {
		return err
	}

	saved, err := s.fallback.GetTransaction(ctx, txn.ID)
	if err != nil {
		return nil
	}
	ttl := ttlUntil(saved.ExpiresAt, s.fallback.now())
	if ttl == 0 {
		return nil
	}
	data, err := s.encode(saved)
	if err != nil {
		s.remoteFailed("save_transaction", err)
		return nil
	}
	s.applyRemote(ctx, "save_transaction", []kvWrite{{key: s.txnKey(saved.ID), value: data, ttl: ttl}}, nil)
	return nil
}

// GetTransaction implements TokenStore.
func (s *RedisStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var txn Transaction
	if s.getRemote(ctx, "get_transaction", s.txnKey(id), &txn) && txn.ID == id && !isExpired(&txn, s.fallback.now()) {
		return &txn, nil
	}
	return s.fallback.GetTransaction(ctx, id)
}

// DeleteTransaction implements TokenStore.
func (s *RedisStore) DeleteTransaction(ctx context.Context, id string) error {
	_ = s.fallback.DeleteTransaction(ctx, id)
	s.applyRemote(ctx, "delete_transaction", nil, []string{s.txnKey(id)})
	return nil
}

// SaveCode implements TokenStore.
func (s *RedisStore) SaveCode(ctx context.Context, code, txnID string) error {
	if err := s.fallback.SaveCode(ctx, code, txnID); err != nil {
		return err
	}

	now := s.fallback.now()
	entry := &codeEntry{TxnID: txnID, CreatedAt: now, ExpiresAt: now.Add(s.fallback.ttls.Code)}
	data, err := s.encode(entry)
	if err != nil {
		s.remoteFailed("save_code", err)
		return nil
	}
	s.applyRemote(ctx, "save_code", []kvWrite{{key: s.codeKey(code), value: data, ttl: s.fallback.ttls.Code}}, nil)
	return nil
}

// GetTxnIDByCode implements TokenStore.
func (s *RedisStore) GetTxnIDByCode(ctx context.Context, code string) (string, error) {
	var entry codeEntry
	if s.getRemote(ctx, "get_code", s.codeKey(code), &entry) && entry.TxnID != "" && !isExpired(&entry, s.fallback.now()) {
		return entry.TxnID, nil
	}
	return s.fallback.GetTxnIDByCode(ctx, code)
}

// ConsumeCode implements TokenStore. While Redis answers, it decides: a
// remote miss means another instance already redeemed the code. Only when
// Redis is unreachable does the in-process copy decide.
func (s *RedisStore) ConsumeCode(ctx context.Context, code string) (string, error) {
	localID, localErr := s.fallback.ConsumeCode(ctx, code)

	var entry codeEntry
	found, reachable := s.takeRemote(ctx, "consume_code", s.codeKey(code), &entry)
	if !reachable {
		return localID, localErr
	}
	if !found || entry.TxnID == "" || isExpired(&entry, s.fallback.now()) {
		return "", ErrNotFound
	}
	return entry.TxnID, nil
}

// SaveSession implements SessionStore.
func (s *RedisStore) SaveSession(ctx context.Context, session *SessionRecord) error {
	if err := s.fallback.SaveSession(ctx, session); err != nil {
		return err
	}
	saved, err := s.fallback.GetSession(ctx, session.ID)
	if err != nil {
		return nil
	}
	s.putSessionRemote(ctx, saved)
	return nil
}

func (s *RedisStore) putSessionRemote(ctx context.Context, session *SessionRecord) {
	ttl := ttlUntil(session.ExpiresAt, s.fallback.now())
	if ttl == 0 {
		return
	}
	data, err := s.encode(session)
	if err != nil {
		s.remoteFailed("save_session", err)
		return
	}
	s.applyRemote(ctx, "save_session", []kvWrite{{key: s.sessionKey(session.ID), value: data, ttl: ttl}}, nil)
}

// GetSession implements SessionStore. The sliding expiry is written back to
// both the fallback and Redis.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var remote SessionRecord
	if s.getRemote(ctx, "get_session", s.sessionKey(id), &remote) && remote.ID == id && !isExpired(&remote, s.fallback.now()) {
		if err := s.fallback.SaveSession(ctx, &remote); err != nil {
			return nil, err
		}
	}

	session, err := s.fallback.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.putSessionRemote(ctx, session)
	return session, nil
}

// DeleteSession implements SessionStore.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	_ = s.fallback.DeleteSession(ctx, id)
	s.applyRemote(ctx, "delete_session", nil, []string{s.sessionKey(id)})
	return nil
}

// Stats reports the in-process fallback's counts.
func (s *RedisStore) Stats() Stats {
	return s.fallback.Stats()
}

// Flush implements Store. Redis writes are synchronous, so there is nothing
// buffered.
func (s *RedisStore) Flush(context.Context) error {
	return nil
}

// Close stops the fallback's sweep and closes the Redis client.
func (s *RedisStore) Close() error {
	_ = s.fallback.Close()
	return s.remote.close()
}

// redisClientWrapper adapts *redis.Client to kv.
type redisClientWrapper struct {
	client *redis.Client
}

func (r *redisClientWrapper) get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errKeyMissing
		}
		return nil, err
	}
	return val, nil
}

func (r *redisClientWrapper) getDel(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errKeyMissing
		}
		return nil, err
	}
	return val, nil
}

func (r *redisClientWrapper) apply(ctx context.Context, writes []kvWrite, dels []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			pipe.Set(ctx, w.key, w.value, w.ttl)
		}
		if len(dels) > 0 {
			pipe.Del(ctx, dels...)
		}
		return nil
	})
	return err
}

func (r *redisClientWrapper) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisClientWrapper) close() error {
	return r.client.Close()
}
