package tracker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/evalflow/internal/runtime/envelope"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
)

const producer = "producer-a"

func statistics(correlationID string, seq uint64) envelope.Envelope {
	return envelope.Envelope{
		Kind:          envelope.KindStatistics,
		CorrelationID: correlationID,
		ProducerID:    producer,
		Sequence:      seq,
		Payload:       []byte("pool"),
	}
}

func status(t *testing.T, correlationID string, seq uint64, s envelope.Status) envelope.Envelope {
	t.Helper()
	payload, err := envelope.EncodeStatus(s)
	require.NoError(t, err)
	return envelope.Envelope{
		Kind:          envelope.KindStatus,
		CorrelationID: correlationID,
		ProducerID:    producer,
		Sequence:      seq,
		Payload:       payload,
	}
}

func expectedCount(t *testing.T, seq uint64, n uint64) envelope.Envelope {
	t.Helper()
	return status(t, "E1", seq, envelope.Status{
		Event:          envelope.EventExpectedCount,
		ExpectedCounts: map[envelope.Kind]uint64{envelope.KindStatistics: n},
	})
}

func complete(t *testing.T, seq uint64, n uint64) envelope.Envelope {
	t.Helper()
	return status(t, "E1", seq, envelope.Status{
		Event:          envelope.EventPublicationComplete,
		ExpectedCounts: map[envelope.Kind]uint64{envelope.KindStatistics: n},
	})
}

func negativeAck(t *testing.T, seq uint64, reason string) envelope.Envelope {
	payload, err := envelope.EncodeStatus(envelope.Status{Event: envelope.EventFailed, Message: reason})
	require.NoError(t, err)
	return envelope.Envelope{
		Kind:          envelope.KindNegativeAck,
		CorrelationID: "E1",
		ProducerID:    producer,
		Sequence:      seq,
		Payload:       payload,
	}
}

func TestStartsOpen(t *testing.T) {
	tr := New("E1", Options{})
	assert.Equal(t, StateOpen, tr.State())
	assert.Equal(t, "E1", tr.CorrelationID())
	assert.NoError(t, tr.Err())
}

func TestExpectedCountMovesToAwaiting(t *testing.T) {
	tr := New("E1", Options{})

	assert.True(t, tr.Observe(statistics("E1", 1)))
	assert.Equal(t, StateOpen, tr.State())

	assert.True(t, tr.Observe(expectedCount(t, 1, 3)))
	assert.Equal(t, StateAwaitingCompletion, tr.State())

	n, ok := tr.Expected(envelope.KindStatistics)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, uint64(1), tr.Received(envelope.KindStatistics))
}

func TestCompletesInAnyInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		envs := []envelope.Envelope{
			expectedCount(t, 1, 3),
			statistics("E1", 1),
			statistics("E1", 2),
			statistics("E1", 3),
			complete(t, 2, 3),
		}
		rng.Shuffle(len(envs), func(a, b int) { envs[a], envs[b] = envs[b], envs[a] })

		tr := New("E1", Options{})
		for _, env := range envs {
			tr.Observe(env)
		}
		require.Equal(t, StateComplete, tr.State(), "order %d", i)
		assert.NoError(t, tr.Err())
		tr.Close()
	}
}

func TestCompletionRequiresTerminatingStatus(t *testing.T) {
	tr := New("E1", Options{})
	tr.Observe(expectedCount(t, 1, 2))
	tr.Observe(statistics("E1", 1))
	tr.Observe(statistics("E1", 2))

	assert.Equal(t, StateAwaitingCompletion, tr.State())

	tr.Observe(status(t, "E1", 2, envelope.Status{Event: envelope.EventPublicationComplete}))
	assert.Equal(t, StateComplete, tr.State())
}

func TestTerminatingStatusWithoutCountsCompletes(t *testing.T) {
	var transitions []State
	tr := New("E1", Options{OnTransition: func(_, to State, _ error) { transitions = append(transitions, to) }})

	tr.Observe(status(t, "E1", 1, envelope.Status{Event: envelope.EventPublicationComplete}))
	assert.Equal(t, StateComplete, tr.State())

	// Done closes after the terminal transition has been delivered
	<-tr.Done()
	assert.Equal(t, []State{StateAwaitingCompletion, StateComplete}, transitions)
}

func TestProgressStatusChangesNothing(t *testing.T) {
	tr := New("E1", Options{})
	assert.True(t, tr.Observe(status(t, "E1", 1, envelope.Status{Event: envelope.EventProgress, Message: "50%"})))
	assert.Equal(t, StateOpen, tr.State())
}

func TestDuplicatesIgnored(t *testing.T) {
	tr := New("E1", Options{})
	tr.Observe(expectedCount(t, 1, 3))

	for i := 0; i < 5; i++ {
		accepted := tr.Observe(statistics("E1", 1))
		assert.Equal(t, i == 0, accepted)
	}
	assert.Equal(t, uint64(1), tr.Received(envelope.KindStatistics))

	tr.Observe(statistics("E1", 2))
	tr.Observe(statistics("E1", 2))
	tr.Observe(statistics("E1", 3))
	tr.Observe(complete(t, 2, 3))
	tr.Observe(complete(t, 2, 3))

	assert.Equal(t, uint64(3), tr.Received(envelope.KindStatistics))
	assert.Equal(t, StateComplete, tr.State())
}

func TestSameSequenceFromDifferentProducersCounts(t *testing.T) {
	tr := New("E1", Options{})
	a := statistics("E1", 1)
	b := statistics("E1", 1)
	b.ProducerID = "producer-b"

	assert.True(t, tr.Observe(a))
	assert.True(t, tr.Observe(b))
	assert.Equal(t, uint64(2), tr.Received(envelope.KindStatistics))
}

func TestAccepts(t *testing.T) {
	tr := New("E1", Options{})
	env := statistics("E1", 1)

	assert.True(t, tr.Accepts(env))
	assert.False(t, tr.Accepts(statistics("E2", 1)))

	tr.Observe(env)
	assert.False(t, tr.Accepts(env))
	assert.True(t, tr.Accepts(statistics("E1", 2)))

	tr.Fail(errors.New("stop"))
	assert.False(t, tr.Accepts(statistics("E1", 3)))
}

func TestOtherCorrelationIgnored(t *testing.T) {
	tr := New("E1", Options{})
	assert.False(t, tr.Observe(statistics("E2", 1)))
	assert.Equal(t, uint64(0), tr.Received(envelope.KindStatistics))
}

func TestNegativeAckFailsFromAnyState(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		tr := New("E1", Options{})
		tr.Observe(negativeAck(t, 1, "disk full"))

		assert.Equal(t, StateFailed, tr.State())
		assert.ErrorIs(t, tr.Err(), errspkg.ErrEvaluationFailed)
		assert.ErrorContains(t, tr.Err(), "disk full")
	})

	t.Run("awaiting with all statistics received", func(t *testing.T) {
		tr := New("E1", Options{})
		tr.Observe(expectedCount(t, 1, 2))
		tr.Observe(statistics("E1", 1))
		tr.Observe(statistics("E1", 2))
		tr.Observe(negativeAck(t, 1, ""))

		assert.Equal(t, StateFailed, tr.State())
		assert.ErrorContains(t, tr.Err(), "negative acknowledgement received")
	})
}

func TestFailedStatusEventFails(t *testing.T) {
	tr := New("E1", Options{})
	tr.Observe(status(t, "E1", 1, envelope.Status{Event: envelope.EventFailed, Message: "pool 3 broke"}))
	assert.Equal(t, StateFailed, tr.State())
	assert.ErrorContains(t, tr.Err(), "pool 3 broke")
}

func TestOverCountIsProtocolViolation(t *testing.T) {
	t.Run("statistics after declaration", func(t *testing.T) {
		tr := New("E1", Options{})
		tr.Observe(expectedCount(t, 1, 1))
		tr.Observe(statistics("E1", 1))
		tr.Observe(statistics("E1", 2))

		assert.Equal(t, StateFailed, tr.State())
		var pv *errspkg.ProtocolViolationError
		require.ErrorAs(t, tr.Err(), &pv)
		assert.Equal(t, "statistics", pv.Kind)
		assert.Equal(t, "E1", pv.CorrelationID)
	})

	t.Run("declaration after statistics", func(t *testing.T) {
		tr := New("E1", Options{})
		tr.Observe(statistics("E1", 1))
		tr.Observe(statistics("E1", 2))
		tr.Observe(expectedCount(t, 1, 1))

		assert.Equal(t, StateFailed, tr.State())
		assert.ErrorIs(t, tr.Err(), errspkg.ErrProtocolViolation)
	})
}

func TestConflictingExpectedCountIsProtocolViolation(t *testing.T) {
	tr := New("E1", Options{})
	tr.Observe(expectedCount(t, 1, 3))
	tr.Observe(expectedCount(t, 2, 3))
	assert.Equal(t, StateAwaitingCompletion, tr.State())

	tr.Observe(expectedCount(t, 3, 4))
	assert.Equal(t, StateFailed, tr.State())
	assert.ErrorContains(t, tr.Err(), "redeclared from 3 to 4")
}

func TestMalformedStatusIsProtocolViolation(t *testing.T) {
	tr := New("E1", Options{})
	tr.Observe(envelope.Envelope{Kind: envelope.KindStatus, CorrelationID: "E1", ProducerID: producer, Sequence: 1, Payload: []byte("{")})
	assert.Equal(t, StateFailed, tr.State())
	assert.ErrorIs(t, tr.Err(), errspkg.ErrProtocolViolation)
}

func TestInactivityTimeout(t *testing.T) {
	tr := New("E1", Options{InactivityTimeout: 50 * time.Millisecond})
	tr.Observe(expectedCount(t, 1, 3))
	tr.Observe(statistics("E1", 1))
	tr.Observe(statistics("E1", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	state, err := tr.Await(ctx)
	assert.Equal(t, StateTimedOut, state)
	assert.ErrorIs(t, err, errspkg.ErrInactivityTimeout)

	// late arrivals do not revive the evaluation
	assert.False(t, tr.Observe(statistics("E1", 3)))
	assert.Equal(t, StateTimedOut, tr.State())
}

func TestNoTimeoutWhileOpen(t *testing.T) {
	tr := New("E1", Options{InactivityTimeout: 10 * time.Millisecond})
	tr.Observe(statistics("E1", 1))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateOpen, tr.State())
}

func TestCountingEnvelopesRearmTimer(t *testing.T) {
	tr := New("E1", Options{InactivityTimeout: 200 * time.Millisecond})
	tr.Observe(expectedCount(t, 1, 4))

	for seq := uint64(1); seq <= 3; seq++ {
		time.Sleep(100 * time.Millisecond)
		tr.Observe(statistics("E1", seq))
	}
	assert.Equal(t, StateAwaitingCompletion, tr.State())

	tr.Observe(statistics("E1", 4))
	tr.Observe(complete(t, 2, 4))
	assert.Equal(t, StateComplete, tr.State())
}

func TestHeartbeatStatusDoesNotRearmTimer(t *testing.T) {
	tr := New("E1", Options{InactivityTimeout: 100 * time.Millisecond})
	tr.Observe(expectedCount(t, 1, 3))
	tr.Observe(statistics("E1", 1))
	tr.Observe(statistics("E1", 2))

	progress := status(t, "E1", 0, envelope.Status{Event: envelope.EventProgress, Message: "working"})
	// a repeated declaration does not count as progress either
	redeclared := expectedCount(t, 0, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for seq := uint64(2); ; seq += 2 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				progress.Sequence = seq
				redeclared.Sequence = seq + 1
				tr.Observe(progress)
				tr.Observe(redeclared)
			}
		}
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	state, err := tr.Await(waitCtx)
	assert.Equal(t, StateTimedOut, state)
	assert.ErrorIs(t, err, errspkg.ErrInactivityTimeout)
}

func TestFail(t *testing.T) {
	tr := New("E1", Options{})
	cause := errors.New("consumer lost")

	assert.True(t, tr.Fail(cause))
	assert.False(t, tr.Fail(errors.New("again")))
	assert.Equal(t, StateFailed, tr.State())
	assert.Equal(t, cause, tr.Err())
}

func TestTerminalStatesAreNeverLeft(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kinds := []func(seq uint64) envelope.Envelope{
		func(seq uint64) envelope.Envelope { return statistics("E1", seq) },
		func(seq uint64) envelope.Envelope { return expectedCount(t, seq, 2) },
		func(seq uint64) envelope.Envelope { return complete(t, seq, 2) },
		func(seq uint64) envelope.Envelope { return negativeAck(t, seq, "x") },
	}

	for run := 0; run < 100; run++ {
		var mu sync.Mutex
		var transitions [][2]State
		tr := New("E1", Options{OnTransition: func(from, to State, _ error) {
			mu.Lock()
			transitions = append(transitions, [2]State{from, to})
			mu.Unlock()
		}})

		for i := 0; i < 12; i++ {
			tr.Observe(kinds[rng.Intn(len(kinds))](uint64(rng.Intn(4) + 1)))
		}

		mu.Lock()
		for i, c := range transitions {
			assert.Less(t, c[0], c[1], "run %d: transition %d moves backwards", run, i)
			assert.False(t, c[0].Terminal(), "run %d: left terminal state %s", run, c[0])
		}
		mu.Unlock()
	}
}

func TestConcurrentObserve(t *testing.T) {
	tr := New("E1", Options{})
	tr.Observe(expectedCount(t, 1, 100))

	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= 100; seq++ {
				tr.Observe(statistics("E1", seq))
			}
		}()
	}
	wg.Wait()

	tr.Observe(complete(t, 2, 100))
	assert.Equal(t, uint64(100), tr.Received(envelope.KindStatistics))
	assert.Equal(t, StateComplete, tr.State())
}

func TestCallbackReadingStateDuringConcurrentObserve(t *testing.T) {
	var tr *Tracker
	var mu sync.Mutex
	var seen []State
	tr = New("E1", Options{OnTransition: func(_, to State, err error) {
		// reading back from the callback must not stall consumers
		mu.Lock()
		seen = append(seen, tr.State())
		mu.Unlock()
		_ = tr.Err()
		_ = tr.Received(envelope.KindStatistics)
		if to == StateComplete {
			assert.NoError(t, err)
		}
	}})
	tr.Observe(expectedCount(t, 1, 200))

	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= 200; seq++ {
				tr.Observe(statistics("E1", seq))
			}
			tr.Observe(complete(t, 2, 200))
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := tr.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, state)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, StateComplete, seen[1])
}

func TestBlockedCallbackDoesNotBlockObserveOrAwait(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	tr := New("E1", Options{OnTransition: func(_, to State, _ error) {
		if to == StateAwaitingCompletion {
			<-release
		}
	}})

	observed := make(chan struct{})
	go func() {
		tr.Observe(expectedCount(t, 1, 2))
		tr.Observe(statistics("E1", 1))
		tr.Observe(statistics("E1", 2))
		close(observed)
	}()
	select {
	case <-observed:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked behind a running callback")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	state, err := tr.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateAwaitingCompletion, state)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTransitionCarriesCause(t *testing.T) {
	causes := make(chan error, 1)
	tr := New("E1", Options{OnTransition: func(_, to State, err error) {
		if to.Terminal() {
			causes <- err
		}
	}})
	cause := errors.New("consumer lost")
	tr.Fail(cause)

	select {
	case err := <-causes:
		assert.Equal(t, cause, err)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal transition not delivered")
	}
}

func TestCloseReleasesAwait(t *testing.T) {
	tr := New("E1", Options{})
	tr.Observe(expectedCount(t, 1, 3))

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := tr.Await(ctx)
	assert.Equal(t, StateAwaitingCompletion, state)
	assert.ErrorIs(t, err, errspkg.ErrCancelled)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseAfterTerminalKeepsOutcome(t *testing.T) {
	tr := New("E1", Options{})
	tr.Observe(status(t, "E1", 1, envelope.Status{Event: envelope.EventPublicationComplete}))
	tr.Close()

	state, err := tr.Await(context.Background())
	assert.Equal(t, StateComplete, state)
	assert.NoError(t, err)
}

func TestAwaitCancellation(t *testing.T) {
	tr := New("E1", Options{})
	tr.Observe(expectedCount(t, 1, 3))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	state, err := tr.Await(ctx)
	assert.Equal(t, StateAwaitingCompletion, state)
	assert.ErrorIs(t, err, errspkg.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAwaitingCompletion, tr.State())
}

func TestAwaitDeadline(t *testing.T) {
	tr := New("E1", Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := tr.Await(ctx)
	assert.Equal(t, StateOpen, state)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, errspkg.ErrCancelled)
}

func TestAwaitComplete(t *testing.T) {
	tr := New("E1", Options{})
	done := status(t, "E1", 1, envelope.Status{Event: envelope.EventPublicationComplete})
	go func() {
		tr.Observe(done)
	}()

	state, err := tr.Await(context.Background())
	assert.Equal(t, StateComplete, state)
	assert.NoError(t, err)

	select {
	case <-tr.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestCloseStopsTracking(t *testing.T) {
	tr := New("E1", Options{InactivityTimeout: 20 * time.Millisecond})
	tr.Observe(expectedCount(t, 1, 3))
	tr.Close()
	tr.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateAwaitingCompletion, tr.State())
	assert.False(t, tr.Observe(statistics("E1", 1)))
	assert.False(t, tr.Fail(errors.New("late")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AWAITING_COMPLETION", StateAwaitingCompletion.String())
	assert.Equal(t, "TIMED_OUT", StateTimedOut.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateOpen.Terminal())
}
