package batch

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockyard/dockyard/internal/proto"
	"github.com/dockyard/dockyard/internal/session"
)

// newTestSession builds a real Session over an in-memory net.Pipe; the
// fakeStepper never touches the stream, so the other half is simply left
// undrained.
func newTestSession(t *testing.T, id string) *session.Session {
	t.Helper()
	client, _ := net.Pipe()
	return session.NewForTesting(id, "env", client)
}

type fakeStepper struct {
	calls      int32
	maxInFlight int32
	inFlight    int32
}

func (f *fakeStepper) Step(ctx context.Context, sess *session.Session, action string) (*proto.Response, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&f.inFlight, -1)
	return &proto.Response{Status: "ok", Observation: action}, nil
}

func TestCoordinator_BatchesConcurrentSubmissions(t *testing.T) {
	stepper := &fakeStepper{}
	c := NewCoordinator(stepper, 20*time.Millisecond)

	const n = 5
	results := make(chan *proto.Response, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			resp, err := c.SubmitStep(context.Background(), newTestSession(t, "s"), "act")
			require.NoError(t, err)
			results <- resp
		}(i)
	}

	for i := 0; i < n; i++ {
		<-results
	}

	assert.EqualValues(t, n, atomic.LoadInt32(&stepper.calls))
	assert.Greater(t, atomic.LoadInt32(&stepper.maxInFlight), int32(1))
}

// orderingStepper records the action of every Step call in the order Step
// was invoked, so tests can assert on send order rather than completion
// order.
type orderingStepper struct {
	mu   sync.Mutex
	seen []string
}

func (o *orderingStepper) Step(ctx context.Context, sess *session.Session, action string) (*proto.Response, error) {
	o.mu.Lock()
	o.seen = append(o.seen, action)
	o.mu.Unlock()
	return &proto.Response{Status: "ok", Observation: action}, nil
}

// TestCoordinator_PreservesOrderForSameSession mirrors S6: two step requests
// against one shared session, submitted concurrently within the same batch
// window, must reach the stepper in submission order (I3/P2) even though
// they are drained alongside each other.
func TestCoordinator_PreservesOrderForSameSession(t *testing.T) {
	stepper := &orderingStepper{}
	c := NewCoordinator(stepper, 50*time.Millisecond)
	sess := newTestSession(t, "shared")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := c.SubmitStep(context.Background(), sess, "first")
		assert.NoError(t, err)
	}()
	time.Sleep(10 * time.Millisecond) // ensure "first" is enqueued before "second"
	go func() {
		defer wg.Done()
		_, err := c.SubmitStep(context.Background(), sess, "second")
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, []string{"first", "second"}, stepper.seen)
}

func TestCoordinator_SingleRequestStillDrains(t *testing.T) {
	stepper := &fakeStepper{}
	c := NewCoordinator(stepper, 10*time.Millisecond)

	start := time.Now()
	resp, err := c.SubmitStep(context.Background(), newTestSession(t, "s"), "act")
	require.NoError(t, err)
	assert.Equal(t, "act", resp.Observation)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoordinator_ContextCancellation(t *testing.T) {
	stepper := &fakeStepper{}
	c := NewCoordinator(stepper, time.Hour) // window never fires on its own

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := c.SubmitStep(ctx, newTestSession(t, "s"), "act")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
