// Package health tracks the health of filecdn's stores and background jobs
// and reports the readiness of the service.
package health

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/filecdn/filecdn/pkg/errors"
)

// Component names used by the service.
const (
	ComponentLedger    = "ledger"
	ComponentBlobStore = "blobstore"
	ComponentSweeper   = "sweeper"
)

// HealthState represents the health of a component or of the whole service
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates recent failures below the unavailable threshold
	StateDegraded

	// StateReadOnly indicates writes fail while reads may still succeed
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name.
func (s HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastError         error       `json:"-"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// CheckFunc probes a component.
type CheckFunc func(ctx context.Context) error

// Tracker tracks the health of multiple components and determines overall
// service health
type Tracker struct {
	mu             sync.RWMutex
	components     map[string]*ComponentHealth
	checks         map[string]CheckFunc
	config         TrackerConfig
	stateCallbacks []StateChangeCallback
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before a component is degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before it is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// CheckInterval is the interval between active probes
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	// CheckTimeout bounds a single probe
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
		CheckTimeout:         5 * time.Second,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 3
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 5 * time.Second
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		checks:     make(map[string]CheckFunc),
		config:     config,
	}
}

// RegisterComponent registers a component for health tracking. A non-nil
// check is run by RunChecks and StartHealthChecks.
func (t *Tracker) RegisterComponent(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
	if check != nil {
		t.checks[name] = check
	}
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	if health.ConsecutiveErrors > 0 {
		health.ConsecutiveErrors--
		if health.ConsecutiveErrors == 0 && health.State != StateHealthy {
			t.transitionState(health, StateHealthy)
		}
	}
	newState := health.State
	callbacks := t.stateCallbacks
	t.mu.Unlock()

	if oldState != newState {
		notify(callbacks, component, oldState, newState, nil)
	}
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors++
	health.LastError = err
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}
	if newState != oldState {
		t.transitionState(health, newState)
	}
	callbacks := t.stateCallbacks
	t.mu.Unlock()

	if oldState != newState {
		notify(callbacks, component, oldState, newState, err)
	}
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a component
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("component %s not registered", component)
	}
	c := *health
	return &c, nil
}

// GetAllComponents returns health information for all registered components
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		c := *health
		result[name] = &c
	}
	return result
}

// GetOverallHealth returns the worst state of any component
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead returns true if the component can serve reads
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite returns true if the component can accept writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// AddStateChangeCallback registers a callback for every state change.
// Callbacks run synchronously after the tracker lock is released.
func (t *Tracker) AddStateChangeCallback(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stateCallbacks = append(t.stateCallbacks, callback)
}

// must be called with lock held
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = time.Now()

	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastError = nil
		health.LastErrorMessage = ""
	}
}

func notify(callbacks []StateChangeCallback, component string, oldState, newState HealthState, err error) {
	for _, callback := range callbacks {
		callback(component, oldState, newState, err)
	}
}

// isWriteError reports failures that leave reads working.
func isWriteError(err error) bool {
	var cdnErr *errors.CDNError
	if stderr.As(err, &cdnErr) {
		switch cdnErr.Code {
		case errors.ErrCodeAccessDenied, errors.ErrCodeStorageWrite:
			return true
		}
	}
	return false
}

// Report is the readiness document.
type Report struct {
	Status     HealthState                 `json:"status"`
	Components map[string]*ComponentHealth `json:"components"`
	CheckedAt  time.Time                   `json:"checked_at"`
}

// Ready reports whether the service can take traffic.
func (r Report) Ready() bool {
	return r.Status != StateUnavailable
}

// RunChecks probes every component with a registered check and returns
// the resulting report.
func (t *Tracker) RunChecks(ctx context.Context) Report {
	t.mu.RLock()
	names := make([]string, 0, len(t.checks))
	for name := range t.checks {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		t.mu.RLock()
		check := t.checks[name]
		t.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, t.config.CheckTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
	return t.Snapshot()
}

// Snapshot returns the current report without probing.
func (t *Tracker) Snapshot() Report {
	return Report{
		Status:     t.GetOverallHealth(),
		Components: t.GetAllComponents(),
		CheckedAt:  time.Now(),
	}
}

// StartHealthChecks runs RunChecks every CheckInterval until ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context) {
	if t.config.CheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RunChecks(ctx)
		}
	}
}
