package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbridge/message"
)

func TestReplyBeforeWait(t *testing.T) {
	table := NewTable()
	token := message.NewToken()

	pc, err := table.Begin(token)
	require.NoError(t, err)

	require.True(t, table.Resolve(message.MustReply(token, true)))

	reply, err := table.Wait(context.Background(), pc)
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Zero(t, table.Len())
}

func TestReplyWakesWaiter(t *testing.T) {
	table := NewTable()
	token := message.NewToken()
	pc, err := table.Begin(token)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		table.Resolve(message.MustReply(token, "pong"))
	}()

	reply, err := table.Wait(context.Background(), pc)
	require.NoError(t, err)
	var s string
	require.NoError(t, reply.Decode(&s))
	assert.Equal(t, "pong", s)
}

func TestDuplicateBeginFirstWins(t *testing.T) {
	table := NewTable()
	token := message.NewToken()

	first, err := table.Begin(token)
	require.NoError(t, err)

	_, err = table.Begin(token)
	assert.ErrorIs(t, err, ErrDuplicateToken)
	assert.Equal(t, 1, table.Len())

	table.Resolve(message.MustReply(token, 1))
	reply, err := table.Wait(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, reply.Success)

	// Once collected, the token may be reused.
	_, err = table.Begin(token)
	assert.NoError(t, err)
}

func TestConcurrentBeginExactlyOneWins(t *testing.T) {
	table := NewTable()
	token := message.NewToken()

	const n = 64
	var (
		wg    sync.WaitGroup
		won   atomic.Int32
		lost  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := table.Begin(token)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrDuplicateToken):
				lost.Add(1)
			default:
				t.Errorf("unexpected Begin error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(n-1), lost.Load())
	assert.Equal(t, 1, table.Len())
}

func TestResolveUnknownTokenIsNoop(t *testing.T) {
	table := NewTable()
	assert.False(t, table.Resolve(message.MustReply(message.NewToken(), nil)))
	assert.Zero(t, table.Len())
}

func TestLateDuplicateReplyIgnored(t *testing.T) {
	table := NewTable()
	token := message.NewToken()
	pc, _ := table.Begin(token)

	assert.True(t, table.Resolve(message.MustReply(token, "first")))
	assert.False(t, table.Resolve(message.MustReply(token, "second")))

	reply, err := table.Wait(context.Background(), pc)
	require.NoError(t, err)
	var s string
	require.NoError(t, reply.Decode(&s))
	assert.Equal(t, "first", s)
}

func TestWaitTimeout(t *testing.T) {
	table := NewTable(WithDefaultTimeout(15 * time.Millisecond))
	pc, _ := table.Begin(message.NewToken())

	start := time.Now()
	_, err := table.Wait(context.Background(), pc)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, table.Len())
}

func TestWaitContextCanceled(t *testing.T) {
	table := NewTable()
	pc, _ := table.Begin(message.NewToken())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := table.Wait(ctx, pc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAbandonWakesAllWaiters(t *testing.T) {
	table := NewTable()
	const waiters = 5

	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		pc, err := table.Begin(message.NewToken())
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := table.Wait(context.Background(), pc)
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, waiters, table.Abandon(ErrConnectionLost))

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrConnectionLost)
	}
	assert.Zero(t, table.Len())
}

func TestCancelDropsEntry(t *testing.T) {
	table := NewTable()
	token := message.NewToken()
	_, err := table.Begin(token)
	require.NoError(t, err)

	table.Cancel(token)
	assert.Zero(t, table.Len())
	assert.False(t, table.Resolve(message.MustReply(token, nil)))
}

type countingObserver struct {
	abandoned atomic.Int64
	waits     atomic.Int64
	last      atomic.Int64
}

func (o *countingObserver) PendingChanged(n int)             { o.last.Store(int64(n)) }
func (o *countingObserver) WaitFinished(time.Duration, error) { o.waits.Add(1) }
func (o *countingObserver) Abandoned(n int)                  { o.abandoned.Add(int64(n)) }

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	table := NewTable(WithObserver(obs))

	pc, _ := table.Begin(message.NewToken())
	assert.EqualValues(t, 1, obs.last.Load())

	table.Abandon(nil)
	_, err := table.Wait(context.Background(), pc)
	assert.ErrorIs(t, err, ErrConnectionLost)

	assert.EqualValues(t, 1, obs.abandoned.Load())
	assert.EqualValues(t, 1, obs.waits.Load())
	assert.EqualValues(t, 0, obs.last.Load())
}
