package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	connected    atomic.Bool
	reconnecting atomic.Bool
}

func (f *fakeTransport) IsConnected() bool    { return f.connected.Load() }
func (f *fakeTransport) IsReconnecting() bool { return f.reconnecting.Load() }

type fakeStore struct {
	mu      sync.Mutex
	stored  []uint32
	pruned  []int
	mapErr  error
}

func (f *fakeStore) StoreMap(meshID uint32, eventID, roomID, text, meshnet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapErr != nil {
		return f.mapErr
	}
	f.stored = append(f.stored, meshID)
	return nil
}

func (f *fakeStore) PruneMap(keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, keep)
	return nil
}

func connectedTransport() *fakeTransport {
	t := &fakeTransport{}
	t.connected.Store(true)
	return t
}

func TestNew_ClampsDelay(t *testing.T) {
	q := New(0.5, nil, 0, testLogger())
	if q.delay != MinDelay {
		t.Errorf("delay: got %v, want clamped to %v", q.delay, MinDelay)
	}
}

func TestEnqueue_NotRunning(t *testing.T) {
	q := newWithDelay(time.Millisecond, nil, 0, testLogger())
	if q.Enqueue(func(context.Context) (uint32, error) { return 0, nil }, "msg", nil) {
		t.Error("Enqueue before Start must return false")
	}
}

func TestEnqueue_FullQueue(t *testing.T) {
	q := newWithDelay(time.Hour, nil, 0, testLogger())
	// Mark running without launching the drainer so nothing is popped and
	// the capacity check is exact.
	q.running = true

	send := func(context.Context) (uint32, error) { return 0, nil }
	accepted := 0
	for i := 0; i < defaultCapacity+10; i++ {
		if q.Enqueue(send, "filler", nil) {
			accepted++
		}
	}
	if accepted != defaultCapacity {
		t.Errorf("accepted %d items, want exactly %d", accepted, defaultCapacity)
	}
}

func TestDrain_FIFOOrder(t *testing.T) {
	q := newWithDelay(time.Millisecond, nil, 0, testLogger())
	q.AttachTransport(connectedTransport())
	q.Start(context.Background())
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 1; i <= 5; i++ {
		i := i
		q.Enqueue(func(context.Context) (uint32, error) {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
			return uint32(i), nil
		}, "ordered", nil)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drain")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("order %v, want ascending", order)
		}
	}
}

func TestDrain_PacesSends(t *testing.T) {
	delay := 150 * time.Millisecond
	q := newWithDelay(delay, nil, 0, testLogger())
	q.AttachTransport(connectedTransport())
	q.Start(context.Background())
	defer q.Stop()

	var mu sync.Mutex
	var times []time.Time
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		q.Enqueue(func(context.Context) (uint32, error) {
			mu.Lock()
			times = append(times, time.Now())
			n := len(times)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
			return 1, nil
		}, "paced", nil)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drain")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < delay-20*time.Millisecond {
			t.Errorf("gap between send %d and %d was %v, want >= %v", i-1, i, gap, delay)
		}
	}
}

func TestDrain_PacingMeasuredFromCompletion(t *testing.T) {
	delay := 200 * time.Millisecond
	q := newWithDelay(delay, nil, 0, testLogger())
	q.AttachTransport(connectedTransport())
	q.Start(context.Background())
	defer q.Stop()

	var mu sync.Mutex
	var returns []time.Time
	done := make(chan struct{})

	// A slow radio write must not let the following send land inside the
	// minimum gap: the delay counts from when this thunk returns.
	q.Enqueue(func(context.Context) (uint32, error) {
		time.Sleep(150 * time.Millisecond)
		mu.Lock()
		returns = append(returns, time.Now())
		mu.Unlock()
		return 1, nil
	}, "slow", nil)
	q.Enqueue(func(context.Context) (uint32, error) {
		mu.Lock()
		returns = append(returns, time.Now())
		mu.Unlock()
		close(done)
		return 2, nil
	}, "fast", nil)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drain")
	}
	mu.Lock()
	defer mu.Unlock()
	if gap := returns[1].Sub(returns[0]); gap < delay-20*time.Millisecond {
		t.Errorf("return-to-return gap %v is below the configured delay %v", gap, delay)
	}
}

func TestDrain_HoldsWhileDisconnected(t *testing.T) {
	tr := &fakeTransport{} // starts disconnected
	q := newWithDelay(time.Millisecond, nil, 0, testLogger())
	q.AttachTransport(tr)
	q.Start(context.Background())
	defer q.Stop()

	sent := make(chan struct{})
	q.Enqueue(func(context.Context) (uint32, error) {
		close(sent)
		return 1, nil
	}, "held", nil)

	select {
	case <-sent:
		t.Fatal("item sent while transport disconnected")
	case <-time.After(100 * time.Millisecond):
	}

	tr.connected.Store(true)
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("item not sent after transport reconnected")
	}
}

func TestDrain_HoldsWhileReconnecting(t *testing.T) {
	tr := connectedTransport()
	tr.reconnecting.Store(true)
	q := newWithDelay(time.Millisecond, nil, 0, testLogger())
	q.AttachTransport(tr)
	q.Start(context.Background())
	defer q.Stop()

	sent := make(chan struct{})
	q.Enqueue(func(context.Context) (uint32, error) {
		close(sent)
		return 1, nil
	}, "held", nil)

	select {
	case <-sent:
		t.Fatal("item sent while transport reconnecting")
	case <-time.After(100 * time.Millisecond):
	}

	tr.reconnecting.Store(false)
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("item not sent after reconnect finished")
	}
}

func TestDrain_SendErrorDoesNotStopQueue(t *testing.T) {
	q := newWithDelay(time.Millisecond, nil, 0, testLogger())
	q.AttachTransport(connectedTransport())
	q.Start(context.Background())
	defer q.Stop()

	second := make(chan struct{})
	q.Enqueue(func(context.Context) (uint32, error) {
		return 0, errors.New("radio rejected packet")
	}, "failing", nil)
	q.Enqueue(func(context.Context) (uint32, error) {
		close(second)
		return 2, nil
	}, "following", nil)

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("drainer stopped after send error")
	}
}

func TestDrain_PersistsMappingOnSuccess(t *testing.T) {
	st := &fakeStore{}
	q := newWithDelay(time.Millisecond, st, 50, testLogger())
	q.AttachTransport(connectedTransport())
	q.Start(context.Background())
	defer q.Stop()

	done := make(chan struct{})
	q.Enqueue(func(context.Context) (uint32, error) {
		defer close(done)
		return 42, nil
	}, "mapped", &MappingInfo{
		MatrixEventID: "$ev:x", MatrixRoomID: "!r:x", Text: "hi", Meshnet: "M1",
	})

	<-done
	deadline := time.After(5 * time.Second)
	for {
		st.mu.Lock()
		n := len(st.stored)
		st.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("mapping never persisted")
		case <-time.After(10 * time.Millisecond):
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stored[0] != 42 {
		t.Errorf("stored mesh id %d, want 42", st.stored[0])
	}
	if len(st.pruned) == 0 || st.pruned[0] != 50 {
		t.Errorf("pruner not called with keep=50: %v", st.pruned)
	}
}

func TestDrain_NoMappingOnFailure(t *testing.T) {
	st := &fakeStore{}
	q := newWithDelay(time.Millisecond, st, 50, testLogger())
	q.AttachTransport(connectedTransport())
	q.Start(context.Background())

	done := make(chan struct{})
	q.Enqueue(func(context.Context) (uint32, error) {
		defer close(done)
		return 0, errors.New("send failed")
	}, "mapped", &MappingInfo{MatrixEventID: "$ev:x", MatrixRoomID: "!r:x"})

	<-done
	q.Stop()

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.stored) != 0 {
		t.Errorf("mapping persisted despite send failure: %v", st.stored)
	}
}

func TestStop_Idempotent(t *testing.T) {
	q := newWithDelay(time.Millisecond, nil, 0, testLogger())
	q.Start(context.Background())
	q.Stop()
	q.Stop() // must not panic or hang

	if q.Enqueue(func(context.Context) (uint32, error) { return 0, nil }, "late", nil) {
		t.Error("Enqueue after Stop must return false")
	}
}
