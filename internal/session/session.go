// Package session implements the session table, the per-session worker
// channel, and the idle-eviction / orphan-reclamation lifecycle described by
// the session orchestration engine.
package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/dockyard/dockyard/internal/driver"
	"github.com/dockyard/dockyard/internal/proto"
	"github.com/dockyard/dockyard/internal/stream"
)

// Status is a Session's place in the nascent -> active -> done -> deleted
// state machine. Sessions are removed from the table on the deleted
// transition, so Status only ever observably holds Active or Done.
type Status string

const (
	StatusActive Status = "active"
	StatusDone   Status = "done"
)

// Session represents one live worker: exactly one container, one attached
// stream, and a lock ensuring at most one outstanding command on that
// stream at a time (I1, I3).
type Session struct {
	ID      string
	EnvID   string
	Handle  driver.ContainerHandle
	Created time.Time

	// guard serialises SendCommand end-to-end (I3). It is owned by the
	// Session, never by the table — a session's in-flight step must not
	// block other sessions' traffic.
	guard sync.Mutex

	mu          sync.RWMutex
	observation string
	info        map[string]json.RawMessage
	status      Status
	lastActive  time.Time

	conn   io.ReadWriteCloser
	reader *stream.LineReader
}

func newSession(id, envID string, handle driver.ContainerHandle, conn io.ReadWriteCloser) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		EnvID:      envID,
		Handle:     handle,
		Created:    now,
		status:     StatusActive,
		lastActive: now,
		conn:       conn,
		reader:     stream.NewLineReader(conn),
	}
}

// NewForTesting builds a Session bypassing the manager's admission/start/
// attach pipeline, for packages (like batch) that need a real Session value
// to exercise state-machine behaviour without standing up a driver.
func NewForTesting(id, envID string, conn io.ReadWriteCloser) *Session {
	return newSession(id, envID, "", conn)
}

// Snapshot is an immutable view of a Session's client-visible fields,
// taken under the read lock so SessionResponse/StepResponse never race with
// a concurrent step.
type Snapshot struct {
	SessionID  string
	EnvID      string
	Observation string
	Info       map[string]json.RawMessage
	Status     Status
	CreatedAt  time.Time
	LastActive time.Time
}

// Snapshot returns a consistent, point-in-time view of the session's state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SessionID:   s.ID,
		EnvID:       s.EnvID,
		Observation: s.observation,
		Info:        s.info,
		Status:      s.status,
		CreatedAt:   s.Created,
		LastActive:  s.lastActive,
	}
}

// IsDone reports whether the session has reached its terminal state (I2).
func (s *Session) IsDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusDone
}

// markDone transitions active -> done. Idempotent.
func (s *Session) markDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusDone
}

// applyInit records the result of a successful init exchange.
func (s *Session) applyInit(resp *proto.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observation = resp.Observation
	s.info = resp.Info
	if resp.Done {
		s.status = StatusDone
	}
}

// applyStep records the result of a successful step and bumps
// last_active_at (I4: only on success).
func (s *Session) applyStep(resp *proto.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observation = resp.Observation
	s.info = resp.Info
	s.lastActive = time.Now()
	if resp.Done {
		s.status = StatusDone
	}
}

// IdleSince reports how long it has been since the last successful step.
func (s *Session) IdleSince() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastActive)
}

// SendCommand holds the session's serial guard for the full send-then-read
// span (C3 contract / I3) and never returns a Go error to the caller for
// I/O or decode failures: those become a synthesised error envelope, so the
// session manager (not the channel) decides how to react.
func (s *Session) SendCommand(ctx context.Context, cmd *proto.Command, timeout time.Duration) *proto.Response {
	s.guard.Lock()
	defer s.guard.Unlock()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return proto.ErrorResponse("failed to encode command: " + err.Error())
	}
	payload = append(payload, '\n')

	if _, err := s.conn.Write(stream.EncodeStdin(payload)); err != nil {
		return proto.ErrorResponse("failed to write command: " + err.Error())
	}

	line, err := s.reader.ReadLine(ctx, time.Now().Add(timeout))
	if err != nil {
		// A read timeout mid-response leaves the stream desynchronised:
		// a partial line may already be buffered. Mark the session done
		// so the client is forced to delete it rather than retry against
		// a poisoned stream.
		s.markDone()
		return proto.ErrorResponse("communication error: " + err.Error())
	}

	var resp proto.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		s.markDone()
		return proto.ErrorResponse("malformed response: " + err.Error())
	}
	return &resp
}

// Close releases the session's attached stream. It does not stop the
// container — that is the driver's job, orchestrated by the manager.
func (s *Session) Close() error {
	return s.conn.Close()
}
