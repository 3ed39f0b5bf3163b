package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dockyard/dockyard/internal/apierr"
	"github.com/dockyard/dockyard/internal/config"
	"github.com/dockyard/dockyard/internal/driver"
	"github.com/dockyard/dockyard/internal/proto"
)

// evictionPeriod is the coarse period at which the idle-eviction loop
// inspects every active session, per spec (~60s).
const evictionPeriod = 60 * time.Second

// Manager owns the session table, the admission slot semaphore, and the
// background idle-eviction loop. It is the only component that mutates the
// table (C5).
type Manager struct {
	cfg config.ServerConfig
	drv driver.Driver

	mu       sync.RWMutex
	sessions map[string]*Session

	slots chan struct{} // buffered to cfg.MaxSessions: one token per free slot

	evictStop chan struct{}
	evictDone chan struct{}
}

// NewManager constructs a Manager. It does not start the eviction loop or
// sweep orphans — call StartEvictionLoop and CleanupOrphans explicitly so
// callers control startup ordering.
func NewManager(cfg config.ServerConfig, drv driver.Driver) *Manager {
	slots := make(chan struct{}, cfg.MaxSessions)
	for i := 0; i < cfg.MaxSessions; i++ {
		slots <- struct{}{}
	}
	return &Manager{
		cfg:      cfg,
		drv:      drv,
		sessions: make(map[string]*Session),
		slots:    slots,
	}
}

// ActiveCount returns the number of sessions currently in the table.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// MaxSessions returns the configured admission cap.
func (m *Manager) MaxSessions() int {
	return m.cfg.MaxSessions
}

// Environments returns the configured logical environment ids available
// for session creation.
func (m *Manager) Environments() []string {
	if m.cfg.EnvFiles == nil {
		return []string{}
	}
	return m.cfg.EnvFiles
}

// GetSession looks up a session by id (P1 compliant: table reads never
// exceed MaxSessions because admission is gated before insertion).
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apierr.Wrap(apierr.ErrSessionNotFound, id)
	}
	return s, nil
}

// acquireSlot reserves one admission slot without blocking: if none are
// free, it fails fast with ErrNoSlotsAvailable rather than queueing (I5).
func (m *Manager) acquireSlot() error {
	select {
	case <-m.slots:
		return nil
	default:
		return apierr.Wrapf(apierr.ErrNoSlotsAvailable, "max %d sessions", m.cfg.MaxSessions)
	}
}

func (m *Manager) releaseSlot() {
	select {
	case m.slots <- struct{}{}:
	default:
		// Should never happen (would mean we released more than we acquired).
	}
}

// CreateSession runs the full admission -> start -> attach -> init pipeline
// described in spec §4.5. On any failure after the slot reservation, the
// container is stopped, the table entry (if any) is dropped, and the slot
// is released before returning ErrContainerError.
func (m *Manager) CreateSession(ctx context.Context, envID string, params map[string]json.RawMessage) (*Session, error) {
	if err := m.acquireSlot(); err != nil {
		return nil, err
	}

	id := uuid.NewString()

	handle, err := m.drv.Start(ctx, driver.StartSpec{
		Image:   m.cfg.DockerImage,
		Command: m.cfg.WorkerCommand,
		Volumes: toDriverVolumes(m.cfg.Volumes),
		Env:     m.cfg.ContainerEnv,
		Labels:  map[string]string{m.cfg.ContainerLabel: id},
	})
	if err != nil {
		m.releaseSlot()
		return nil, apierr.Wrapf(apierr.ErrContainerError, "failed to start container: %v", err)
	}

	conn, err := m.drv.Attach(ctx, handle)
	if err != nil {
		m.stopDefensively(handle)
		m.releaseSlot()
		return nil, apierr.Wrapf(apierr.ErrContainerError, "failed to attach to container: %v", err)
	}

	sess := newSession(id, envID, handle, conn)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	initCmd := proto.NewInitCommand(envID, params)
	resp := sess.SendCommand(ctx, initCmd, m.cfg.CommandTimeout)
	if !resp.IsOK() {
		m.dropFailedSession(id, sess)
		return nil, apierr.Wrapf(apierr.ErrContainerError, "init failed: %s", resp.Message)
	}

	sess.applyInit(resp)
	return sess, nil
}

// dropFailedSession tears down a session created during a CreateSession
// call whose init exchange failed: stop the container, remove the table
// entry, release the slot.
func (m *Manager) dropFailedSession(id string, sess *Session) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	sess.Close()
	m.stopDefensively(sess.Handle)
	m.releaseSlot()
}

func (m *Manager) stopDefensively(handle driver.ContainerHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.drv.Stop(ctx, handle, int(m.cfg.StopTimeout.Seconds())); err != nil {
		log.Warn().Str("container", string(handle)).Err(err).Msg("failed to stop container")
	}
}

// Step sends one step command through the session's serial channel,
// applying the resulting state transition. Callers (the batch coordinator)
// are responsible for enforcing I2/P3 (rejecting steps on a done session)
// before calling Step.
func (m *Manager) Step(ctx context.Context, sess *Session, action string) (*proto.Response, error) {
	resp := sess.SendCommand(ctx, proto.NewStepCommand(action), m.cfg.CommandTimeout)
	if !resp.IsOK() {
		return resp, apierr.Wrapf(apierr.ErrContainerError, "%s", resp.Message)
	}
	sess.applyStep(resp)
	return resp, nil
}

// DeleteSession removes a session from the table and stops its container.
// Safe to call concurrently with step traffic and with itself (P4): a
// second delete for the same id returns ErrSessionNotFound.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return apierr.Wrap(apierr.ErrSessionNotFound, id)
	}

	sess.Close()
	if err := m.drv.Stop(ctx, sess.Handle, int(m.cfg.StopTimeout.Seconds())); err != nil {
		log.Warn().Str("session", id).Err(err).Msg("failed to stop container on delete")
	}
	m.releaseSlot()
	return nil
}

// DeleteAllSessions best-effort deletes every session currently in the
// table, returning the ids it successfully removed.
func (m *Manager) DeleteAllSessions(ctx context.Context) []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := m.DeleteSession(ctx, id); err == nil {
			deleted = append(deleted, id)
		}
	}
	return deleted
}

// CleanupOrphans kills any container bearing this orchestrator's label that
// isn't in the current (necessarily empty, at startup) session table (P5).
// Called once at startup, before the table can contain anything.
func (m *Manager) CleanupOrphans(ctx context.Context) {
	m.listOrphansAndStop(ctx)
}

func (m *Manager) listOrphansAndStop(ctx context.Context) {
	handles, err := m.drv.ListByLabel(ctx, m.cfg.ContainerLabel, "")
	if err != nil {
		log.Warn().Err(err).Msg("failed to list orphaned containers")
		return
	}
	count := 0
	for _, h := range handles {
		if err := m.drv.Stop(ctx, h, 0); err != nil {
			log.Warn().Str("container", string(h)).Err(err).Msg("failed to remove orphan")
			continue
		}
		count++
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("removed orphaned containers from a previous run")
	}
}

// StartEvictionLoop launches the background idle-eviction task. Call
// Shutdown to cancel it.
func (m *Manager) StartEvictionLoop() {
	m.evictStop = make(chan struct{})
	m.evictDone = make(chan struct{})

	go func() {
		defer close(m.evictDone)
		ticker := time.NewTicker(evictionPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-m.evictStop:
				return
			case <-ticker.C:
				m.evictIdleSessions()
			}
		}
	}()
}

func (m *Manager) evictIdleSessions() {
	m.mu.RLock()
	var toEvict []string
	for id, sess := range m.sessions {
		if sess.IdleSince() > m.cfg.IdleTimeout {
			toEvict = append(toEvict, id)
		}
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range toEvict {
		log.Info().Str("session", id).Msg("evicting idle session")
		if err := m.DeleteSession(ctx, id); err != nil {
			// Already gone (raced with a client delete) — fine.
			log.Debug().Str("session", id).Err(err).Msg("idle eviction race, session already removed")
		}
	}
}

// Shutdown cancels the eviction task, clears the table, and kills every
// container bearing this orchestrator's label.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.evictStop != nil {
		close(m.evictStop)
		<-m.evictDone
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.listOrphansAndStop(ctx)
}

func toDriverVolumes(vols []config.Volume) []driver.VolumeMount {
	out := make([]driver.VolumeMount, 0, len(vols))
	for _, v := range vols {
		out = append(out, driver.VolumeMount{HostPath: v.HostPath, ContainerPath: v.ContainerPath, Mode: v.Mode})
	}
	return out
}
