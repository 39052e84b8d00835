package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only while it still holds our token, so
// an expired lease re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// JobLease is a per-job mutual exclusion lock with a TTL.
type JobLease struct {
	client *Client
	logger *zap.Logger
}

func NewJobLease(client *Client, logger *zap.Logger) *JobLease {
	return &JobLease{client: client, logger: logger}
}

func (l *JobLease) key(jobID uuid.UUID) string {
	return l.client.key("lease", "job", jobID.String())
}

// Acquire takes the lease for jobID. ok is false when another holder has it.
// The returned release is safe to call once the caller's ctx is gone.
func (l *JobLease) Acquire(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (func(), bool, error) {
	key := l.key(jobID)
	token := uuid.NewString()

	set, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		l.logger.Debug("job lease held elsewhere", zap.String("job_id", jobID.String()))
		return nil, false, nil
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client.rdb, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release job lease",
				zap.Error(err),
				zap.String("job_id", jobID.String()),
			)
		}
	}
	return release, true, nil
}
