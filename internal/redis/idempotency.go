package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// processingTTL is the lock duration while a request is being processed.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates a request with the same key is still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is the cached outcome of a job creation.
type IdempotencyResult struct {
	JobID           uuid.UUID `json:"job_id"`
	Channel         string    `json:"channel"`
	TotalRecipients int       `json:"total_recipients"`
	StatusCode      int       `json:"status_code"`
	CreatedAt       int64     `json:"created_at"`
}

// IdempotencyService makes POST /bulk-jobs safe to retry.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewIdempotencyService creates a service whose stored results live for ttl.
func NewIdempotencyService(client *Client, logger *zap.Logger, ttl time.Duration) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func (s *IdempotencyService) buildKey(accountID, idempotencyKey string) string {
	return s.client.key("idempotency", accountID, idempotencyKey)
}

// Check retrieves a cached result. It returns (nil, nil) when the key is
// unknown and ErrDuplicateRequest while the first request is still running.
func (s *IdempotencyService) Check(ctx context.Context, accountID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(accountID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("account_id", accountID),
		zap.String("job_id", result.JobID.String()),
	)

	return &result, nil
}

// Store saves the result of a successfully processed request.
func (s *IdempotencyService) Store(ctx context.Context, accountID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(accountID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops a reservation after a failed request so the client can retry.
func (s *IdempotencyService) Release(ctx context.Context, accountID, idempotencyKey string) error {
	key := s.buildKey(accountID, idempotencyKey)
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns the cached result if there is one, otherwise
// reserves the key with SET NX. A lost reservation race is ErrDuplicateRequest.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, accountID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, accountID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	key := s.buildKey(accountID, idempotencyKey)
	reserved, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
