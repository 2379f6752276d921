package claude

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MockChannel is a scriptable ProcessChannel for tests. Tests drive it by
// emitting lines and an exit instead of spawning a real process.
type MockChannel struct {
	Config ChannelConfig

	callbacks ChannelCallbacks

	mu         sync.Mutex
	running    bool
	terminated bool
	writes     []string
	startErr   error
	waitErr    error
	waitDone   chan struct{}
}

// NewMockChannel creates a MockChannel with the given config and callbacks.
// Usually constructed through a MockChannelFactory rather than directly.
func NewMockChannel(config ChannelConfig, callbacks ChannelCallbacks) *MockChannel {
	return &MockChannel{
		Config:    config,
		callbacks: callbacks,
	}
}

// SetStartError makes the next Start call fail with err wrapped in SpawnError.
func (m *MockChannel) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Start marks the channel as running, or fails with the scripted error.
func (m *MockChannel) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return &SpawnError{Binary: ResolveBinary(m.Config.Binary), Err: m.startErr}
	}
	m.running = true
	m.waitDone = make(chan struct{})
	return nil
}

// WriteText records the response text a session wrote.
func (m *MockChannel) WriteText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return &IOError{Op: "write", Err: fmt.Errorf("process not running")}
	}
	m.writes = append(m.writes, text)
	return nil
}

// Terminate marks the channel terminated and unblocks Wait.
func (m *MockChannel) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = true
	m.stopLocked()
}

// Wait blocks until the mock process has exited.
func (m *MockChannel) Wait() error {
	m.mu.Lock()
	waitDone := m.waitDone
	m.mu.Unlock()

	if waitDone == nil {
		return fmt.Errorf("process not started")
	}
	<-waitDone

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitErr
}

// IsRunning reports whether the mock process is running.
func (m *MockChannel) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// EmitLine delivers one output line to the session, as the real channel's
// reader goroutine would.
func (m *MockChannel) EmitLine(line string) {
	m.mu.Lock()
	running := m.running
	onLine := m.callbacks.OnLine
	m.mu.Unlock()

	if running && onLine != nil {
		onLine(line)
	}
}

// EmitExit simulates the process exiting on its own with the given error.
func (m *MockChannel) EmitExit(err error, stderrContent string) {
	m.mu.Lock()
	wasRunning := m.running
	m.waitErr = err
	m.stopLocked()
	onExit := m.callbacks.OnExit
	m.mu.Unlock()

	if wasRunning && onExit != nil {
		onExit(err, stderrContent)
	}
}

// Writes returns every response line written to the channel, in order.
func (m *MockChannel) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	writes := make([]string, len(m.writes))
	copy(writes, m.writes)
	return writes
}

// Terminated reports whether Terminate was called.
func (m *MockChannel) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// stopLocked transitions to stopped. Caller holds mu.
func (m *MockChannel) stopLocked() {
	if !m.running {
		return
	}
	m.running = false
	if m.waitDone != nil {
		close(m.waitDone)
	}
}

// MockChannelFactory creates MockChannels and records them so tests can
// reach the channel a session spawned (including restarts).
type MockChannelFactory struct {
	mu       sync.Mutex
	channels []*MockChannel

	// StartErr, when set, makes every created channel fail to start.
	StartErr error

	// OnCreate, when set, is invoked for each created channel before it is
	// handed to the session. Tests use it to script per-spawn behavior.
	OnCreate func(ch *MockChannel)
}

// New implements ChannelFactory.
func (f *MockChannelFactory) New(config ChannelConfig, callbacks ChannelCallbacks, log *slog.Logger) ProcessChannel {
	ch := NewMockChannel(config, callbacks)

	f.mu.Lock()
	startErr := f.StartErr
	onCreate := f.OnCreate
	f.channels = append(f.channels, ch)
	f.mu.Unlock()

	if startErr != nil {
		ch.SetStartError(startErr)
	}
	if onCreate != nil {
		onCreate(ch)
	}
	return ch
}

// Channels returns every channel created so far.
func (f *MockChannelFactory) Channels() []*MockChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	channels := make([]*MockChannel, len(f.channels))
	copy(channels, f.channels)
	return channels
}

// WaitForChannel polls until the i-th channel (0-based) has been created,
// or the timeout elapses. Returns nil on timeout.
func (f *MockChannelFactory) WaitForChannel(i int, timeout time.Duration) *MockChannel {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.channels) > i {
			ch := f.channels[i]
			f.mu.Unlock()
			return ch
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

var _ ProcessChannel = (*MockChannel)(nil)
