package standby

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeLockProvider is a scriptable in-memory lock.
type fakeLockProvider struct {
	mu sync.Mutex

	holder    string
	available bool

	// denyRefresh makes Refresh report lost ownership and hands the lock
	// to another instance so the caller cannot immediately re-acquire.
	denyRefresh bool

	releases int
	closed   bool
}

func newFakeLockProvider() *fakeLockProvider {
	return &fakeLockProvider{available: true}
}

func (p *fakeLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holder == "" || p.holder == instanceID {
		p.holder = instanceID
		return true, nil
	}
	return false, nil
}

func (p *fakeLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denyRefresh {
		p.holder = "someone-else"
		return false, nil
	}
	return p.holder == instanceID, nil
}

func (p *fakeLockProvider) Release(ctx context.Context, key, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holder == instanceID {
		p.holder = ""
	}
	p.releases++
	return nil
}

func (p *fakeLockProvider) Holder(ctx context.Context, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holder, nil
}

func (p *fakeLockProvider) IsAvailable(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *fakeLockProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeLockProvider) setAvailable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = v
}

func (p *fakeLockProvider) setHolder(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holder = id
}

// roleRecorder tracks callback invocations.
type roleRecorder struct {
	mu          sync.Mutex
	transitions []Role
}

func (r *roleRecorder) callbacks() *Callbacks {
	return &Callbacks{
		OnBecomePrimary: func() { r.record(RolePrimary) },
		OnBecomeStandby: func() { r.record(RoleStandby) },
	}
}

func (r *roleRecorder) record(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, role)
}

func (r *roleRecorder) last() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitions) == 0 {
		return RoleUnknown
	}
	return r.transitions[len(r.transitions)-1]
}

func testConfig() *Config {
	return &Config{
		Enabled:         true,
		InstanceID:      "instance-a",
		LockKey:         "test:leader",
		LockTTL:         time.Second,
		RefreshInterval: 20 * time.Millisecond,
	}
}

func waitForRole(t *testing.T, s *Service, want Role) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Role() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("role = %s, want %s", s.Role(), want)
}

func TestDisabledRunsAsStandalonePrimary(t *testing.T) {
	recorder := &roleRecorder{}
	s := NewService(&Config{Enabled: false}, recorder.callbacks())

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if !s.IsPrimary() {
		t.Error("disabled standby must promote immediately")
	}
	if recorder.last() != RolePrimary {
		t.Error("OnBecomePrimary was not invoked")
	}
	if s.IsEnabled() {
		t.Error("IsEnabled() = true")
	}
}

func TestAcquiresLockAndBecomesPrimary(t *testing.T) {
	provider := newFakeLockProvider()
	recorder := &roleRecorder{}

	s := NewService(testConfig(), recorder.callbacks())
	s.SetLockProvider(provider)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	// The first election round runs synchronously in Start.
	if !s.IsPrimary() {
		t.Fatal("expected PRIMARY after acquiring a free lock")
	}
	if recorder.last() != RolePrimary {
		t.Error("OnBecomePrimary was not invoked")
	}

	status := s.Status()
	if status.Role != string(RolePrimary) {
		t.Errorf("status role = %s", status.Role)
	}
	if status.CurrentLockHolder != "instance-a" {
		t.Errorf("lock holder = %q", status.CurrentLockHolder)
	}
}

func TestStaysStandbyWhenLockIsHeld(t *testing.T) {
	provider := newFakeLockProvider()
	provider.setHolder("instance-b")
	recorder := &roleRecorder{}

	s := NewService(testConfig(), recorder.callbacks())
	s.SetLockProvider(provider)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if s.IsPrimary() {
		t.Fatal("expected STANDBY while another instance holds the lock")
	}
	if s.Role() != RoleStandby {
		t.Errorf("role = %s, want STANDBY", s.Role())
	}

	status := s.Status()
	if status.CurrentLockHolder != "instance-b" {
		t.Errorf("lock holder = %q, want instance-b", status.CurrentLockHolder)
	}
}

func TestTakesOverWhenHolderReleases(t *testing.T) {
	provider := newFakeLockProvider()
	provider.setHolder("instance-b")
	recorder := &roleRecorder{}

	s := NewService(testConfig(), recorder.callbacks())
	s.SetLockProvider(provider)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	waitForRole(t, s, RoleStandby)

	// The other instance dies and its lock expires.
	provider.setHolder("")
	waitForRole(t, s, RolePrimary)

	if recorder.last() != RolePrimary {
		t.Error("OnBecomePrimary was not invoked on takeover")
	}
}

func TestDemotesWhenRefreshFails(t *testing.T) {
	provider := newFakeLockProvider()
	recorder := &roleRecorder{}

	s := NewService(testConfig(), recorder.callbacks())
	s.SetLockProvider(provider)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	waitForRole(t, s, RolePrimary)

	provider.mu.Lock()
	provider.denyRefresh = true
	provider.mu.Unlock()

	waitForRole(t, s, RoleStandby)

	if recorder.last() != RoleStandby {
		t.Error("OnBecomeStandby was not invoked on demotion")
	}
}

func TestKeepsRoleWhenBackendUnavailable(t *testing.T) {
	provider := newFakeLockProvider()
	s := NewService(testConfig(), nil)
	s.SetLockProvider(provider)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	waitForRole(t, s, RolePrimary)

	// A backend outage must not demote: no competitor can take the lock
	// either.
	provider.setAvailable(false)
	time.Sleep(80 * time.Millisecond)

	if !s.IsPrimary() {
		t.Error("instance demoted during a backend outage")
	}

	status := s.Status()
	if status.LockBackendAvailable {
		t.Error("status reports backend available during outage")
	}
	if !status.HasWarning {
		t.Error("expected a warning during outage")
	}

	// Outage over: the warning clears on the next successful refresh.
	provider.setAvailable(true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !s.Status().HasWarning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.Status().HasWarning {
		t.Error("warning did not clear after the backend recovered")
	}
}

func TestStopReleasesHeldLock(t *testing.T) {
	provider := newFakeLockProvider()
	s := NewService(testConfig(), nil)
	s.SetLockProvider(provider)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForRole(t, s, RolePrimary)

	s.Stop()

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if provider.holder != "" {
		t.Errorf("lock still held by %q after Stop", provider.holder)
	}
	if provider.releases == 0 {
		t.Error("Release was never called")
	}
	if !provider.closed {
		t.Error("provider was not closed")
	}
}

func TestNoOpProviderAlwaysGrants(t *testing.T) {
	s := NewService(testConfig(), nil)
	s.SetLockProvider(NewNoOpLockProvider("instance-a"))

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if !s.IsPrimary() {
		t.Error("expected PRIMARY with the no-op lock provider")
	}

	holder, err := NewNoOpLockProvider("x").Holder(context.Background(), "any")
	if err != nil || holder != "x" {
		t.Errorf("Holder() = %q, %v", holder, err)
	}
}

func TestGeneratedInstanceID(t *testing.T) {
	s := NewService(&Config{Enabled: false}, nil)
	if s.InstanceID() == "" {
		t.Error("expected a generated instance id")
	}

	s2 := NewService(&Config{Enabled: false, InstanceID: "custom"}, nil)
	if s2.InstanceID() != "custom" {
		t.Errorf("InstanceID() = %q, want custom", s2.InstanceID())
	}
}
