// Package registration announces this process's services to the registry
// and keeps them announced: failed registrations are retried on a fixed
// interval and everything is deregistered on shutdown.
package registration

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbukum/meshkit/discovery"
	"github.com/kbukum/meshkit/errors"
	"github.com/kbukum/meshkit/logger"
	"github.com/kbukum/meshkit/observability"
	"github.com/kbukum/meshkit/schedule"
)

// State is the lifecycle state of one service id.
type State string

const (
	StateUnregistered   State = "unregistered"
	StateRegistering    State = "registering"
	StateRegistered     State = "registered"
	StateRetryScheduled State = "retry_scheduled"
	StateDeregistered   State = "deregistered"
)

// DefaultShutdownTimeout bounds the signal-triggered shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Gateway is the part of the registry the manager needs.
type Gateway interface {
	discovery.Registry
	Close() error
}

// Option customises a Manager.
type Option func(*Manager)

// WithMetrics records retry metrics on m.
func WithMetrics(m *observability.MeshMetrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithShutdownTimeout bounds ShutdownOnSignal.
func WithShutdownTimeout(d time.Duration) Option {
	return func(mgr *Manager) { mgr.shutdownTimeout = d }
}

// errSuperseded marks a registry write that landed after its id was
// deregistered or shutdown began. The write has been undone.
var errSuperseded = stderrors.New("registration superseded")

type retryEntry struct {
	task     *schedule.Task
	attempts int
}

// Manager owns the registrations of this process. It is safe for
// concurrent use.
type Manager struct {
	gw              Gateway
	log             *logger.Logger
	metrics         *observability.MeshMetrics
	shutdownTimeout time.Duration

	// base is cancelled by Close and parents every retry task.
	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	registered map[string]*discovery.ServiceRegistration
	retries    map[string]*retryEntry
	states     map[string]State

	shuttingDown atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

// New creates a Manager on top of gw.
func New(gw Gateway, log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		gw:              gw,
		log:             log.WithComponent("registration"),
		shutdownTimeout: DefaultShutdownTimeout,
		base:            base,
		cancel:          cancel,
		registered:      make(map[string]*discovery.ServiceRegistration),
		retries:         make(map[string]*retryEntry),
		states:          make(map[string]State),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterService announces cfg. It returns true once the registry has
// accepted the record.
//
// On a registry failure it schedules retries and returns (false, nil),
// unless cfg.DisableRetry is set, in which case the error is returned.
// Invalid configs fail immediately, and after shutdown has begun the call
// returns (false, SHUTTING_DOWN) without touching the registry.
func (m *Manager) RegisterService(ctx context.Context, cfg ServiceConfig) (bool, error) {
	if m.shuttingDown.Load() {
		m.log.Warn("shutting down, registration rejected", logger.Fields(logger.FieldServiceID, cfg.ID))
		return false, errors.ShuttingDown()
	}
	reg, err := cfg.Registration()
	if err != nil {
		return false, err
	}

	if err := m.register(ctx, reg, nil); err != nil {
		if stderrors.Is(err, errSuperseded) {
			return false, errors.ShuttingDown()
		}
		if cfg.DisableRetry {
			m.setState(reg.ID, StateUnregistered)
			return false, err
		}
		m.scheduleRetry(cfg, reg)
		return false, nil
	}
	return true, nil
}

// register makes one registry call and records the outcome. Success also
// cancels any retry loop for the id. from is the retry loop making the
// call, nil for a direct call; a success that lost the race with
// DeregisterService or Close is undone and reported as errSuperseded.
func (m *Manager) register(ctx context.Context, reg *discovery.ServiceRegistration, from *retryEntry) error {
	log := m.log.WithFields(logger.Fields(
		logger.FieldServiceID, reg.ID,
		logger.FieldServiceName, reg.Name,
	))
	m.mu.Lock()
	if from == nil || m.retries[reg.ID] == from {
		m.states[reg.ID] = StateRegistering
	}
	m.mu.Unlock()

	if err := m.gw.RegisterService(ctx, reg); err != nil {
		log.Error("registration failed", logger.ErrorFields("register", err))
		return err
	}

	m.mu.Lock()
	if m.shuttingDown.Load() || (from != nil && m.retries[reg.ID] != from) {
		if m.states[reg.ID] == StateRegistering {
			m.states[reg.ID] = StateUnregistered
		}
		m.mu.Unlock()
		log.Warn("registration superseded, undoing")
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout)
		defer cancel()
		if err := m.gw.DeregisterService(uctx, reg.ID); err != nil {
			log.Error("undo of superseded registration failed", logger.ErrorFields("deregister", err))
		}
		return errSuperseded
	}
	m.registered[reg.ID] = reg
	m.states[reg.ID] = StateRegistered
	entry := m.retries[reg.ID]
	delete(m.retries, reg.ID)
	m.mu.Unlock()
	if entry != nil {
		entry.task.Stop()
	}

	log.Info("service registered", logger.Fields(logger.FieldAddress, fmt.Sprintf("%s:%d", reg.Address, reg.Port)))
	return nil
}

// scheduleRetry starts the retry loop for reg, replacing any earlier loop
// for the same id. Each tick makes one registry call; the loop ends on
// success or after cfg.maxRetries ticks.
func (m *Manager) scheduleRetry(cfg ServiceConfig, reg *discovery.ServiceRegistration) {
	interval, maxRetries := cfg.retryInterval(), cfg.maxRetries()
	entry := &retryEntry{}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown.Load() {
		return
	}
	if old := m.retries[reg.ID]; old != nil {
		old.task.Stop()
	}

	entry.task = schedule.Every(m.base, interval, func(ctx context.Context) bool {
		if m.shuttingDown.Load() {
			return true
		}

		m.mu.Lock()
		if m.retries[reg.ID] != entry {
			m.mu.Unlock()
			return true
		}
		entry.attempts++
		attempt := entry.attempts
		m.mu.Unlock()

		m.log.Info("retrying registration", logger.Fields(
			logger.FieldServiceID, reg.ID,
			logger.FieldAttempt, attempt,
			"max_retries", maxRetries,
		))
		err := m.register(ctx, reg, entry)
		if stderrors.Is(err, errSuperseded) {
			return true
		}
		m.metrics.RecordRegistrationRetry(ctx, reg.ID, err)
		if err == nil {
			return true
		}
		if attempt < maxRetries {
			m.setStateIf(reg.ID, StateRegistering, StateRetryScheduled)
			return false
		}

		m.mu.Lock()
		if m.retries[reg.ID] == entry {
			delete(m.retries, reg.ID)
			if m.states[reg.ID] == StateRegistering {
				m.states[reg.ID] = StateUnregistered
			}
		}
		m.mu.Unlock()
		m.log.Error("registration retries exhausted", logger.Fields(
			logger.FieldServiceID, reg.ID,
			logger.FieldAttempt, attempt,
		))
		return true
	})
	m.retries[reg.ID] = entry
	m.states[reg.ID] = StateRetryScheduled

	m.log.Info("registration retry scheduled", logger.Fields(
		logger.FieldServiceID, reg.ID,
		"retry_interval", interval.String(),
		"max_retries", maxRetries,
	))
}

// DeregisterService removes serviceID from the registry and forgets it
// locally, cancelling any pending retry and waiting for a retry call
// already in flight. A registry failure is logged and reported as false.
func (m *Manager) DeregisterService(ctx context.Context, serviceID string) bool {
	m.mu.Lock()
	entry := m.retries[serviceID]
	delete(m.retries, serviceID)
	delete(m.registered, serviceID)
	m.states[serviceID] = StateDeregistered
	m.mu.Unlock()

	log := m.log.WithFields(logger.Fields(logger.FieldServiceID, serviceID))
	if entry != nil {
		if err := entry.task.StopAndWait(ctx); err != nil {
			log.Warn("retry loop still running", logger.ErrorFields("deregister", err))
		}
	}

	if err := m.gw.DeregisterService(ctx, serviceID); err != nil {
		log.Error("deregistration failed", logger.ErrorFields("deregister", err))
		return false
	}
	log.Info("service deregistered")
	return true
}

// DeregisterAllServices deregisters every registered id concurrently. One
// failure does not stop the others; the returned error names the ids that
// failed.
func (m *Manager) DeregisterAllServices(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.registered))
	for id := range m.registered {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	m.log.Info("deregistering all services", logger.Fields(logger.FieldCount, len(ids)))

	var (
		failedMu sync.Mutex
		failed   []string
	)
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if !m.DeregisterService(ctx, id) {
				failedMu.Lock()
				failed = append(failed, id)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("deregister failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

// UpdateService re-registers serviceID with u applied. The old record is
// deregistered first and the two steps are not atomic: if the second one
// fails the service stays unregistered (with a retry loop scheduled unless
// retries are disabled for it).
func (m *Manager) UpdateService(ctx context.Context, serviceID string, u ServiceUpdate) (bool, error) {
	m.mu.Lock()
	existing, ok := m.registered[serviceID]
	m.mu.Unlock()
	if !ok {
		m.log.Warn("update of unknown service", logger.Fields(logger.FieldServiceID, serviceID))
		return false, errors.NotFound("service registration", serviceID)
	}

	cfg := u.apply(existing)
	if _, err := cfg.Registration(); err != nil {
		return false, err
	}

	m.DeregisterService(ctx, serviceID)
	return m.RegisterService(ctx, cfg)
}

// GetRegisteredServices returns the accepted registrations ordered by id.
func (m *Manager) GetRegisteredServices() []discovery.ServiceRegistration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]discovery.ServiceRegistration, 0, len(m.registered))
	for _, reg := range m.registered {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsServiceRegistered reports whether serviceID is currently registered.
func (m *Manager) IsServiceRegistered(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registered[serviceID]
	return ok
}

// State returns the lifecycle state of serviceID.
func (m *Manager) State(serviceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[serviceID]; ok {
		return s
	}
	return StateUnregistered
}

// ShuttingDown reports whether shutdown has begun.
func (m *Manager) ShuttingDown() bool {
	return m.shuttingDown.Load()
}

// Close rejects new registrations, stops every retry loop, deregisters
// every service and closes the gateway. Later calls return the first
// call's result.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.shuttingDown.Store(true)
		m.log.Info("registration manager shutting down")

		m.mu.Lock()
		entries := make([]*retryEntry, 0, len(m.retries))
		for _, e := range m.retries {
			entries = append(entries, e)
		}
		m.mu.Unlock()
		m.cancel()
		for _, e := range entries {
			if err := e.task.StopAndWait(ctx); err != nil {
				break
			}
		}

		deregErr := m.DeregisterAllServices(ctx)
		closeErr := m.gw.Close()
		m.closeErr = stderrors.Join(deregErr, closeErr)
	})
	return m.closeErr
}

// ShutdownOnSignal runs Close when SIGINT or SIGTERM arrives or ctx is
// cancelled. The returned channel is closed once Close has returned, after
// which the process may exit.
func (m *Manager) ShutdownOnSignal(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer close(done)
		<-sigCtx.Done()
		stop()

		m.log.Info("shutdown requested", logger.Fields("cause", context.Cause(sigCtx).Error()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()
		if err := m.Close(shutdownCtx); err != nil {
			m.log.Error("shutdown incomplete", logger.ErrorFields("shutdown", err))
		}
	}()
	return done
}

func (m *Manager) setState(id string, s State) {
	m.mu.Lock()
	m.states[id] = s
	m.mu.Unlock()
}

func (m *Manager) setStateIf(id string, from, to State) {
	m.mu.Lock()
	if m.states[id] == from {
		m.states[id] = to
	}
	m.mu.Unlock()
}
