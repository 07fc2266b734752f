// Package oauth holds the pieces of the authorization code flow shared by
// every connector: the single-use state store and client credential config.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/poblysh/pollen/pkg/redis"
	"github.com/poblysh/pollen/pkg/tracing"
)

var (
	// ErrStateInvalid is returned when a state token is unknown, expired or
	// already redeemed
	ErrStateInvalid = errors.New("oauth state invalid")
)

const (
	// StateTTL bounds how long an authorization flow may stay open
	StateTTL = 10 * time.Minute

	// stateKeyPrefix is the prefix for state keys in Redis
	stateKeyPrefix = "oauth:state:"
)

// StatePayload binds a state token to the tenant and provider that started
// the flow. Redemption for any other pair fails.
type StatePayload struct {
	TenantID  string    `json:"tenant_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// StateStore issues and redeems single-use OAuth state tokens
type StateStore struct {
	redisClient *redis.Client
	logger      ectologger.Logger
}

// NewStateStore creates a new StateStore
func NewStateStore(redisClient *redis.Client, logger ectologger.Logger) *StateStore {
	return &StateStore{
		redisClient: redisClient,
		logger:      logger,
	}
}

// Issue creates a random state token bound to the tenant and provider.
func (s *StateStore) Issue(ctx context.Context, tenantID, provider string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "StateStore.Issue")
	defer span.End()

	state := uuid.New().String()

	payload, err := json.Marshal(StatePayload{
		TenantID:  tenantID,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}

	if err := s.redisClient.Set(ctx, stateKeyPrefix+state, string(payload), StateTTL); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to store oauth state")
		return "", err
	}

	return state, nil
}

// Redeem consumes a state token. GETDEL makes redemption single-use: a replay
// of the same callback URL fails here. The callback arrives unauthenticated,
// so the payload is the source of truth for which tenant started the flow.
func (s *StateStore) Redeem(ctx context.Context, state, provider string) (*StatePayload, error) {
	ctx, span := tracing.StartSpan(ctx, "StateStore.Redeem")
	defer span.End()

	raw, err := s.redisClient.GetDel(ctx, stateKeyPrefix+state)
	if err != nil {
		if redis.IsNil(err) {
			return nil, ErrStateInvalid
		}
		return nil, err
	}

	var payload StatePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, ErrStateInvalid
	}

	if payload.Provider != provider || payload.TenantID == "" {
		s.logger.WithContext(ctx).Warnf("OAuth state redeemed for wrong provider: %s", provider)
		return nil, ErrStateInvalid
	}

	return &payload, nil
}
