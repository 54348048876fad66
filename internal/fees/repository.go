package fees

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PostgresRepository reads fees_config.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ActiveRules loads active rules for a context.
func (r *PostgresRepository) ActiveRules(ctx context.Context, appliesTo string) ([]Rule, error) {
	rows, err := r.db.Query(ctx, `SELECT id::text, applies_to, fee_type, fee_value::text,
        COALESCE(beneficiary_wallet_id::text, ''), active, COALESCE(label, ''), priority
        FROM fees_config WHERE applies_to = $1 AND active
        ORDER BY priority, id`, appliesTo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var (
			rule     Rule
			feeType  string
			feeValue string
		)
		if err := rows.Scan(&rule.ID, &rule.AppliesTo, &feeType, &feeValue, &rule.BeneficiaryWalletID, &rule.Active, &rule.Label, &rule.Priority); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(feeValue)
		if err != nil {
			return nil, fmt.Errorf("fee rule %s value: %w", rule.ID, err)
		}
		rule.FeeType = FeeType(feeType)
		rule.FeeValue = value
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// MemoryRepository holds fee rules in memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewMemoryRepository constructs an in-memory rule set for tests and local runs.
func NewMemoryRepository(rules ...Rule) *MemoryRepository {
	repo := &MemoryRepository{}
	for _, rule := range rules {
		repo.Add(rule)
	}
	return repo
}

// Add stores a rule, assigning an id when missing.
func (r *MemoryRepository) Add(rule Rule) Rule {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority < r.rules[j].Priority })
	return rule
}

func (r *MemoryRepository) ActiveRules(_ context.Context, appliesTo string) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Rule
	for _, rule := range r.rules {
		if rule.Active && rule.AppliesTo == appliesTo {
			out = append(out, rule)
		}
	}
	return out, nil
}

const cachePrefix = "fees:v1:"

// CachedRepository is a read-through Redis cache in front of another
// repository. Cache failures fall through to the inner repository.
type CachedRepository struct {
	inner  Repository
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedRepository wraps inner with a Redis cache entry per context.
func NewCachedRepository(inner Repository, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedRepository {
	return &CachedRepository{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

// ActiveRules returns cached rules or loads and caches them.
func (r *CachedRepository) ActiveRules(ctx context.Context, appliesTo string) ([]Rule, error) {
	key := cachePrefix + appliesTo
	cached, err := r.cache.Get(ctx, key).Bytes()
	if err == nil {
		var rules []Rule
		if err := json.Unmarshal(cached, &rules); err == nil {
			return rules, nil
		}
		r.logger.Warn("discarding undecodable fee cache entry", slog.String("key", key))
	} else if err != redis.Nil {
		r.logger.Warn("fee cache lookup failed", slog.String("key", key), slog.Any("error", err))
	}

	rules, err := r.inner.ActiveRules(ctx, appliesTo)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rules)
	if err != nil {
		return rules, nil
	}
	if err := r.cache.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		r.logger.Warn("fee cache store failed", slog.String("key", key), slog.Any("error", err))
	}
	return rules, nil
}

// Invalidate drops the cached rules of a context.
func (r *CachedRepository) Invalidate(ctx context.Context, appliesTo string) error {
	return r.cache.Del(ctx, cachePrefix+appliesTo).Err()
}
