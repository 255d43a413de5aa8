package standby

import (
	"context"
	"time"
)

// NoOpLockProvider always grants the lock. Used for single-instance
// deployments without Redis.
type NoOpLockProvider struct {
	instanceID string
}

// NewNoOpLockProvider creates a lock provider that always grants.
func NewNoOpLockProvider(instanceID string) *NoOpLockProvider {
	return &NoOpLockProvider{instanceID: instanceID}
}

func (p *NoOpLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (p *NoOpLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (p *NoOpLockProvider) Release(ctx context.Context, key, instanceID string) error {
	return nil
}

func (p *NoOpLockProvider) Holder(ctx context.Context, key string) (string, error) {
	return p.instanceID, nil
}

func (p *NoOpLockProvider) IsAvailable(ctx context.Context) bool {
	return true
}

func (p *NoOpLockProvider) Close() error {
	return nil
}
