package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingLogger keeps every log line for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level  LogLevel
	msg    string
	fields []Field
}

func (l *recordingLogger) add(level LogLevel, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) Debug(msg string, fields ...Field) { l.add(LevelDebug, msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...Field)  { l.add(LevelInfo, msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...Field)  { l.add(LevelWarn, msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...Field) { l.add(LevelError, msg, fields) }

// count returns how many entries at level contain substr in their message.
func (l *recordingLogger) count(level LogLevel, substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && strings.Contains(e.msg, substr) {
			n++
		}
	}
	return n
}

func (l *recordingLogger) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.level == LevelError {
			out = append(out, fmt.Sprintf("%s %v", e.msg, e.fields))
		}
	}
	return out
}

// recordingPanicHandler counts reported panics.
type recordingPanicHandler struct {
	mu     sync.Mutex
	names  []string
	values []any
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, taskName string, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names = append(h.names, taskName)
	h.values = append(h.values, panicInfo)
}

func (h *recordingPanicHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.values)
}

type testHub struct {
	*Hub
	loop   *EventLoop
	logger *recordingLogger
	panics *recordingPanicHandler
	runErr chan error
}

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop, err := NewEventLoop(WithLoopName(t.Name()), WithLoopLogger(NewNoOpLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

// newTestHub creates a hub on a fresh EventLoop without starting it.
func newTestHub(t *testing.T, grace time.Duration) *testHub {
	t.Helper()
	loop := newTestLoop(t)
	logger := &recordingLogger{}
	panics := &recordingPanicHandler{}
	h := NewHub(loop, &HubConfig{
		GracePeriod:  grace,
		Logger:       logger,
		PanicHandler: panics,
	})
	return &testHub{Hub: h, loop: loop, logger: logger, panics: panics, runErr: make(chan error, 1)}
}

// startTestHub creates a hub and runs it on its own goroutine until the test ends.
func startTestHub(t *testing.T) *testHub {
	t.Helper()
	th := newTestHub(t, 200*time.Millisecond)
	th.start(t)
	return th
}

func (th *testHub) start(t *testing.T) {
	t.Helper()
	go func() { th.runErr <- th.Run() }()
	require.Eventually(t, th.IsRunning, time.Second, time.Millisecond)
	t.Cleanup(func() {
		if th.IsRunning() {
			_ = th.Abort(true)
		}
	})
}

// waitRun waits for Run to return.
func (th *testHub) waitRun(t *testing.T) error {
	t.Helper()
	select {
	case err := <-th.runErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not exit")
		return nil
	}
}

func waitTask(t *testing.T, task *Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task %s did not finish", task.Name())
	return err
}

// inLoop runs fn on the loop goroutine and waits for it.
func inLoop(t *testing.T, h *Hub, fn func()) {
	t.Helper()
	_, err := CallInLoop(context.Background(), h, func(context.Context) (struct{}, error) {
		fn()
		return struct{}{}, nil
	})
	require.NoError(t, err)
}
