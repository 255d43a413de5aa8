// Package standby provides leader election for the relay.
//
// Multiple relay instances may run against the same outbox database, but
// only one may poll it. Instances compete for a distributed lock; the
// holder is PRIMARY and runs the dispatcher, the rest sit in STANDBY and
// take over when the PRIMARY dies or loses the lock.
package standby

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.driftgate.dev/internal/common/metrics"
)

// Role is the election state of this instance.
type Role string

const (
	// RolePrimary holds the lock and runs the dispatcher.
	RolePrimary Role = "PRIMARY"

	// RoleStandby is waiting for the lock.
	RoleStandby Role = "STANDBY"

	// RoleUnknown means no election round has completed yet.
	RoleUnknown Role = "UNKNOWN"
)

// Config holds standby configuration.
type Config struct {
	// Enabled controls whether leader election runs. When false the
	// instance promotes itself to PRIMARY immediately.
	Enabled bool

	// InstanceID uniquely identifies this instance (auto-generated if empty).
	InstanceID string

	// LockKey is the distributed lock key.
	LockKey string

	// LockTTL is how long the lock lives without a refresh.
	LockTTL time.Duration

	// RefreshInterval is how often the holder extends the lock. Must be
	// well under LockTTL so a single missed refresh does not demote.
	RefreshInterval time.Duration

	// RedisURL is the Redis connection URL for the default lock provider.
	RedisURL string
}

// DefaultConfig returns default standby configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		LockKey:         "driftgate:relay:leader",
		LockTTL:         30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Callbacks are invoked on role transitions, from the election goroutine.
// OnBecomePrimary must complete its own startup work before returning or
// hand it to another goroutine; the election loop does not wait.
type Callbacks struct {
	OnBecomePrimary func()
	OnBecomeStandby func()
}

// LockProvider is the distributed lock behind the election.
type LockProvider interface {
	// TryAcquire attempts to take the lock. Returns true if acquired.
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Refresh extends the TTL if instanceID still owns the lock. Returns
	// false when ownership was lost.
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Release drops the lock if instanceID owns it.
	Release(ctx context.Context, key, instanceID string) error

	// Holder returns the instance ID currently owning the lock, or "".
	Holder(ctx context.Context, key string) (string, error)

	// IsAvailable reports whether the lock backend is reachable.
	IsAvailable(ctx context.Context) bool

	// Close releases the backend connection.
	Close() error
}

// Status is a snapshot of the election state for monitoring.
type Status struct {
	Enabled               bool   `json:"standbyEnabled"`
	InstanceID            string `json:"instanceId"`
	Role                  string `json:"role"`
	LockBackendAvailable  bool   `json:"lockBackendAvailable"`
	CurrentLockHolder     string `json:"currentLockHolder,omitempty"`
	LastSuccessfulRefresh string `json:"lastSuccessfulRefresh,omitempty"`
	HasWarning            bool   `json:"hasWarning"`
	WarningMessage        string `json:"warningMessage,omitempty"`
}

// Service runs the leader election loop and reports the current role.
type Service struct {
	mu sync.RWMutex

	config    *Config
	callbacks *Callbacks

	instanceID            string
	currentRole           Role
	backendAvailable      bool
	currentLockHolder     string
	lastSuccessfulRefresh time.Time
	hasWarning            bool
	warningMessage        string

	lockProvider LockProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a standby service. Set a lock provider before Start
// when election is enabled.
func NewService(config *Config, callbacks *Callbacks) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:      config,
		callbacks:   callbacks,
		instanceID:  instanceID,
		currentRole: RoleUnknown,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetLockProvider sets the distributed lock provider.
func (s *Service) SetLockProvider(provider LockProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockProvider = provider
}

// Start runs the first election round synchronously, then continues in the
// background. With election disabled the instance becomes PRIMARY at once.
func (s *Service) Start() error {
	if !s.config.Enabled {
		slog.Info("Standby mode disabled, running as standalone PRIMARY")
		s.setRole(RolePrimary)
		return nil
	}

	slog.Info("Starting leader election",
		"instanceId", s.instanceID,
		"lockKey", s.config.LockKey,
		"lockTTL", s.config.LockTTL,
		"refreshInterval", s.config.RefreshInterval)

	s.tryAcquireOrRefresh()

	s.wg.Add(1)
	go s.electionLoop()

	return nil
}

// Stop halts the election loop and releases a held lock so a standby can
// take over immediately instead of waiting out the TTL.
func (s *Service) Stop() {
	slog.Info("Stopping standby service", "instanceId", s.instanceID)

	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	role := s.currentRole
	provider := s.lockProvider
	s.mu.RUnlock()

	if role == RolePrimary && provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			slog.Warn("Failed to release lock during shutdown", "error", err)
		} else {
			slog.Info("Released leader lock")
		}
	}

	if provider != nil {
		provider.Close()
	}
}

func (s *Service) electionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tryAcquireOrRefresh()
		}
	}
}

// tryAcquireOrRefresh runs one election round. When the lock backend is
// unreachable the current role is kept: demoting on a transient outage
// would stop dispatching even though no competitor can take the lock
// either.
func (s *Service) tryAcquireOrRefresh() {
	s.mu.RLock()
	provider := s.lockProvider
	currentRole := s.currentRole
	s.mu.RUnlock()

	if provider == nil {
		slog.Warn("No lock provider configured, running as standalone")
		s.setRole(RolePrimary)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	available := provider.IsAvailable(ctx)
	s.mu.Lock()
	s.backendAvailable = available
	s.mu.Unlock()

	if !available {
		slog.Warn("Lock backend unavailable, maintaining current role",
			"role", string(currentRole))
		s.setWarning("lock backend unavailable")
		return
	}

	if currentRole == RolePrimary {
		refreshed, err := provider.Refresh(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
		if err != nil {
			slog.Error("Error refreshing lock", "error", err)
			s.setWarning("lock refresh error: " + err.Error())
			return
		}

		if refreshed {
			s.mu.Lock()
			s.lastSuccessfulRefresh = time.Now()
			s.hasWarning = false
			s.warningMessage = ""
			s.mu.Unlock()
			slog.Debug("Lock refreshed")
		} else {
			slog.Warn("Lost leader lock, transitioning to STANDBY")
			s.setRole(RoleStandby)
			s.updateLockHolder(ctx, provider)
		}
		return
	}

	acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("Error acquiring lock", "error", err)
		s.setWarning("lock acquisition error: " + err.Error())
		s.updateLockHolder(ctx, provider)
		return
	}

	if acquired {
		slog.Info("Acquired leader lock, transitioning to PRIMARY")
		s.mu.Lock()
		s.lastSuccessfulRefresh = time.Now()
		s.currentLockHolder = s.instanceID
		s.hasWarning = false
		s.warningMessage = ""
		s.mu.Unlock()
		s.setRole(RolePrimary)
	} else {
		s.updateLockHolder(ctx, provider)
		if currentRole == RoleUnknown {
			s.setRole(RoleStandby)
		}
	}
}

func (s *Service) setRole(role Role) {
	s.mu.Lock()
	oldRole := s.currentRole
	s.currentRole = role
	s.mu.Unlock()

	if oldRole == role {
		return
	}

	slog.Info("Role changed",
		"instanceId", s.instanceID,
		"oldRole", string(oldRole),
		"newRole", string(role))

	switch role {
	case RolePrimary:
		metrics.StandbyRole.Set(1)
		metrics.StandbyTransitions.WithLabelValues("primary").Inc()
	case RoleStandby:
		metrics.StandbyRole.Set(0)
		metrics.StandbyTransitions.WithLabelValues("standby").Inc()
	}

	if s.callbacks == nil {
		return
	}

	switch role {
	case RolePrimary:
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

func (s *Service) setWarning(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasWarning = true
	s.warningMessage = message
}

func (s *Service) updateLockHolder(ctx context.Context, provider LockProvider) {
	holder, err := provider.Holder(ctx, s.config.LockKey)
	if err != nil {
		slog.Debug("Failed to get current lock holder", "error", err)
		return
	}

	s.mu.Lock()
	s.currentLockHolder = holder
	s.mu.Unlock()
}

// IsPrimary reports whether this instance currently holds the lock.
func (s *Service) IsPrimary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRole == RolePrimary
}

// Role returns the current role.
func (s *Service) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRole
}

// InstanceID returns this instance's identifier.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// IsEnabled reports whether leader election is configured.
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// Status returns a snapshot of the election state for monitoring.
func (s *Service) Status() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastRefresh string
	if !s.lastSuccessfulRefresh.IsZero() {
		lastRefresh = s.lastSuccessfulRefresh.Format(time.RFC3339)
	}

	return &Status{
		Enabled:               s.config.Enabled,
		InstanceID:            s.instanceID,
		Role:                  string(s.currentRole),
		LockBackendAvailable:  s.backendAvailable,
		CurrentLockHolder:     s.currentLockHolder,
		LastSuccessfulRefresh: lastRefresh,
		HasWarning:            s.hasWarning,
		WarningMessage:        s.warningMessage,
	}
}
