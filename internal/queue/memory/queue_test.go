package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/track-harvester/internal/clock/system"
	"github.com/JakeFAU/track-harvester/internal/crawler"
)

func newQueue(capacity, maxAttempts int) *Queue {
	return NewQueue(Config{Capacity: capacity, MaxAttempts: maxAttempts}, system.New())
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()

	q := newQueue(8, 3)
	ctx := context.Background()
	for _, id := range []crawler.TrackID{"t1", "t2", "t3"} {
		added, err := q.Enqueue(ctx, id, crawler.Lookup{Title: string(id)})
		require.NoError(t, err)
		require.True(t, added)
	}
	for _, want := range []crawler.TrackID{"t1", "t2", "t3"} {
		entry, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, entry.TrackID)
		require.Equal(t, string(want), entry.Lookup.Title)
		require.False(t, entry.EnqueuedAt.IsZero())
	}
}

func TestQueueDeduplicates(t *testing.T) {
	t.Parallel()

	q := newQueue(8, 3)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, "t1", crawler.Lookup{})
	require.NoError(t, err)
	require.True(t, added)

	// pending
	added, err = q.Enqueue(ctx, "t1", crawler.Lookup{})
	require.NoError(t, err)
	require.False(t, added)

	// in flight
	entry, err := q.Dequeue(ctx)
	require.NoError(t, err)
	added, err = q.Enqueue(ctx, "t1", crawler.Lookup{})
	require.NoError(t, err)
	require.False(t, added)

	// done
	q.Complete(entry.TrackID)
	added, err = q.Enqueue(ctx, "t1", crawler.Lookup{})
	require.NoError(t, err)
	require.False(t, added)

	// seeded from the store
	q.MarkDone("t9")
	added, err = q.Enqueue(ctx, "t9", crawler.Lookup{})
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, 0, q.Len())
}

func TestQueueBackpressure(t *testing.T) {
	t.Parallel()

	q := newQueue(1, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t1", crawler.Lookup{})
	require.NoError(t, err)

	var enqueued atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, "t2", crawler.Lookup{})
		enqueued.Store(true)
		done <- err
	}()

	// Enqueue(t2) stays suspended while t1 is pending.
	time.Sleep(50 * time.Millisecond)
	require.False(t, enqueued.Load())

	entry, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.TrackID("t1"), entry.TrackID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue(t2) did not resume after t1 was dequeued")
	}
	require.Equal(t, 1, q.Len())
}

func TestQueueEnqueueCanceledWhileFull(t *testing.T) {
	t.Parallel()

	q := newQueue(1, 3)
	_, err := q.Enqueue(context.Background(), "t1", crawler.Lookup{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Enqueue(ctx, "t2", crawler.Lookup{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueMutualExclusion(t *testing.T) {
	t.Parallel()

	const (
		ids     = 200
		workers = 8
	)
	q := newQueue(16, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		holding  = map[crawler.TrackID]bool{}
		handled  = map[crawler.TrackID]int{}
		violated atomic.Bool
	)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				entry, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				if holding[entry.TrackID] {
					violated.Store(true)
				}
				holding[entry.TrackID] = true
				handled[entry.TrackID]++
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				holding[entry.TrackID] = false
				mu.Unlock()
				// Fail every id once so it goes through Requeue too.
				if entry.Attempt == 0 && q.Requeue(entry) {
					continue
				}
				q.Complete(entry.TrackID)
			}
		}()
	}

	// Two producers race to enqueue the same ids.
	var producers sync.WaitGroup
	for range 2 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for i := range ids {
				_, err := q.Enqueue(ctx, crawler.TrackID(fmt.Sprintf("t%03d", i)), crawler.Lookup{})
				if err != nil && !errors.Is(err, ErrInputClosed) {
					t.Errorf("enqueue: %v", err)
					return
				}
			}
		}()
	}
	producers.Wait()
	q.CloseInput()
	wg.Wait()

	require.False(t, violated.Load(), "a TrackID was handed to two workers at once")
	require.Len(t, handled, ids)
	for id, n := range handled {
		require.Equal(t, 2, n, id)
	}
}

func TestQueueRequeueExhaustion(t *testing.T) {
	t.Parallel()

	q := newQueue(4, 3)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "t1", crawler.Lookup{})
	require.NoError(t, err)

	var attempts []int
	for {
		entry, err := q.Dequeue(ctx)
		require.NoError(t, err)
		attempts = append(attempts, entry.Attempt)
		if !q.Requeue(entry) {
			require.Equal(t, 1, q.InFlight(), "exhausted entry stays in flight for the terminal write")
			q.Complete(entry.TrackID)
			break
		}
	}
	require.Equal(t, []int{0, 1, 2}, attempts)
	require.Equal(t, 0, q.InFlight())
}

func TestQueueReleaseGoesToFront(t *testing.T) {
	t.Parallel()

	q := newQueue(4, 3)
	ctx := context.Background()
	for _, id := range []crawler.TrackID{"t1", "t2"} {
		_, err := q.Enqueue(ctx, id, crawler.Lookup{})
		require.NoError(t, err)
	}
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	q.Release(first)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, first.TrackID, again.TrackID)
	require.Equal(t, 0, again.Attempt)
}

func TestQueueDrainAndClose(t *testing.T) {
	t.Parallel()

	q := newQueue(4, 3)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "t1", crawler.Lookup{})
	require.NoError(t, err)
	q.CloseInput()

	_, err = q.Enqueue(ctx, "t2", crawler.Lookup{})
	require.ErrorIs(t, err, ErrInputClosed)

	entry, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// While t1 is in flight a requeue is still possible, so Dequeue waits.
	drained := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		drained <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Complete(entry.TrackID)

	select {
	case err := <-drained:
		require.ErrorIs(t, err, ErrDrained)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not report drain")
	}

	q.Close()
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueDequeueCanceled(t *testing.T) {
	t.Parallel()

	q := newQueue(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueSnapshotRoundTripThroughFile(t *testing.T) {
	t.Parallel()

	q := newQueue(8, 3)
	ctx := context.Background()
	for _, id := range []crawler.TrackID{"t1", "t2", "t3"} {
		_, err := q.Enqueue(ctx, id, crawler.Lookup{ISRC: "ISRC-" + string(id)})
		require.NoError(t, err)
	}
	inFlight, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, q.Requeue(inFlight))
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.TrackID("t2"), second.TrackID)

	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, q.SaveFile(path))

	restored := newQueue(1, 3)
	restored.MarkDone("t3")
	n, err := restored.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got := restored.Snapshot().Entries
	require.Len(t, got, 2)
	require.Equal(t, crawler.TrackID("t2"), got[0].TrackID)
	require.Equal(t, crawler.TrackID("t1"), got[1].TrackID)
	require.Equal(t, 1, got[1].Attempt)
	require.Equal(t, "ISRC-t1", got[1].Lookup.ISRC)

	missing, err := newQueue(1, 3).LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Zero(t, missing)
}
