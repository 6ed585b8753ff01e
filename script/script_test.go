package script

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalReturnsJSON(t *testing.T) {
	ev := NewGojaEvaluator(time.Second)

	tests := []struct {
		name string
		code string
		want string
	}{
		{"number", "1 + 2", "3"},
		{"string", "'a' + 'b'", `"ab"`},
		{"object", "({title: 'x', n: [1, 2]})", `{"title":"x","n":[1,2]}`},
		{"undefined", "undefined", "null"},
		{"function", "(function() {})", "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, evalErr := ev.Eval(context.Background(), tt.code, "test.js", 1)
			require.Nil(t, evalErr)
			assert.JSONEq(t, tt.want, got)
		})
	}
}

func TestEvalKeepsGlobals(t *testing.T) {
	ev := NewGojaEvaluator(time.Second)
	_, evalErr := ev.Eval(context.Background(), "var counter = 41", "", 1)
	require.Nil(t, evalErr)

	got, evalErr := ev.Eval(context.Background(), "++counter", "", 1)
	require.Nil(t, evalErr)
	assert.Equal(t, "42", got)
}

func TestEvalThrowReportsPosition(t *testing.T) {
	ev := NewGojaEvaluator(time.Second)
	_, evalErr := ev.Eval(context.Background(), "var a = 1;\nthrow new Error('boom');", "page.js", 10)
	require.NotNil(t, evalErr)

	assert.Contains(t, evalErr.Message, "boom")
	assert.Equal(t, "page.js", evalErr.ScriptResourceName)
	assert.Equal(t, 11, evalErr.LineNumber)
	assert.Equal(t, "throw new Error('boom');", evalErr.SourceLine)
}

func TestEvalSyntaxError(t *testing.T) {
	ev := NewGojaEvaluator(time.Second)
	_, evalErr := ev.Eval(context.Background(), "var = ;", "bad.js", 1)
	require.NotNil(t, evalErr)
	assert.Equal(t, 1, evalErr.LineNumber)
	assert.NotEmpty(t, evalErr.Message)
}

func TestEvalTimeout(t *testing.T) {
	ev := NewGojaEvaluator(20 * time.Millisecond)
	start := time.Now()
	_, evalErr := ev.Eval(context.Background(), "for (;;) {}", "", 1)
	require.NotNil(t, evalErr)
	assert.Contains(t, evalErr.Message, "timeout")
	assert.Less(t, time.Since(start), time.Second)

	// The runtime is usable after an interrupt.
	got, evalErr := ev.Eval(context.Background(), "7", "", 1)
	require.Nil(t, evalErr)
	assert.Equal(t, "7", got)
}

func TestEvalContextCancelled(t *testing.T) {
	ev := NewGojaEvaluator(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, evalErr := ev.Eval(ctx, "while (true) {}", "", 1)
	require.NotNil(t, evalErr)
	assert.Contains(t, evalErr.Message, "cancelled")
}

func TestEvalErrorWireShape(t *testing.T) {
	data, err := json.Marshal(&EvalError{Message: "x", LineNumber: 2})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"endColumn", "endPosition", "lineNumber", "message",
		"scriptResourceName", "sourceLine", "startColumn", "startPosition"} {
		assert.Contains(t, fields, key)
	}
}

func TestWorkerRunsInOrder(t *testing.T) {
	w := NewWorker(0)
	defer w.Stop()

	var order []int
	for i := range 5 {
		require.NoError(t, w.Go(func() { order = append(order, i) }))
	}
	require.NoError(t, w.Do(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWorkerRecoversPanic(t *testing.T) {
	w := NewWorker(1)
	defer w.Stop()

	err := w.Do(context.Background(), func() { panic("bad task") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad task")

	var ran atomic.Bool
	require.NoError(t, w.Do(context.Background(), func() { ran.Store(true) }))
	assert.True(t, ran.Load())
}

func TestWorkerStopped(t *testing.T) {
	w := NewWorker(1)
	w.Stop()
	w.Stop()

	assert.ErrorIs(t, w.Go(func() {}), ErrWorkerStopped)
	assert.ErrorIs(t, w.Do(context.Background(), func() {}), ErrWorkerStopped)
}

func TestWorkerGoRefusesWhenBacklogFull(t *testing.T) {
	w := NewWorker(1)
	defer w.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, w.Go(func() {
		close(started)
		<-release
	}))
	<-started

	// The running task holds the goroutine; one more fits in the backlog.
	require.NoError(t, w.Go(func() {}))

	returned := make(chan error, 1)
	go func() { returned <- w.Go(func() {}) }()
	select {
	case err := <-returned:
		assert.ErrorIs(t, err, ErrWorkerBusy)
	case <-time.After(time.Second):
		t.Fatal("Go blocked on a full backlog")
	}

	close(release)
	assert.NoError(t, w.Do(context.Background(), func() {}))
}
