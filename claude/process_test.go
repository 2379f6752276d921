package claude

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBuildCommandArgs(t *testing.T) {
	tests := []struct {
		name     string
		config   ChannelConfig
		expected []string
	}{
		{
			name:   "fresh session",
			config: ChannelConfig{Prompt: "make a login UI"},
			expected: []string{
				"--print", "-p", "make a login UI",
				"--output-format", "stream-json", "--verbose",
			},
		},
		{
			name:   "resume",
			config: ChannelConfig{Prompt: "continue", ResumeID: "abc-123"},
			expected: []string{
				"--print", "-p", "continue",
				"--resume", "abc-123",
				"--output-format", "stream-json", "--verbose",
			},
		},
		{
			name:   "skip permissions",
			config: ChannelConfig{Prompt: "fix it", SkipPermissions: true},
			expected: []string{
				"--print", "-p", "fix it",
				"--dangerously-skip-permissions",
				"--output-format", "stream-json", "--verbose",
			},
		},
		{
			name:   "resume with skip permissions",
			config: ChannelConfig{Prompt: "retry", ResumeID: "abc-123", SkipPermissions: true},
			expected: []string{
				"--print", "-p", "retry",
				"--resume", "abc-123",
				"--dangerously-skip-permissions",
				"--output-format", "stream-json", "--verbose",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := BuildCommandArgs(tt.config)
			if len(args) != len(tt.expected) {
				t.Fatalf("got %d args %v, want %d %v", len(args), args, len(tt.expected), tt.expected)
			}
			for i := range args {
				if args[i] != tt.expected[i] {
					t.Errorf("arg %d = %q, want %q", i, args[i], tt.expected[i])
				}
			}
		})
	}
}

func TestResolveBinary(t *testing.T) {
	if got := ResolveBinary(""); got != "claude" {
		t.Errorf("default binary = %q, want claude", got)
	}
	if got := ResolveBinary("/opt/claude"); got != "/opt/claude" {
		t.Errorf("configured binary = %q, want /opt/claude", got)
	}

	t.Setenv(EnvClaudeBinary, "/usr/local/bin/claude-dev")
	if got := ResolveBinary("/opt/claude"); got != "/usr/local/bin/claude-dev" {
		t.Errorf("env override = %q, want /usr/local/bin/claude-dev", got)
	}
}

func TestChannel_SpawnErrorOnMissingBinary(t *testing.T) {
	ch := NewChannel(ChannelConfig{
		Binary: "definitely-not-a-real-binary-xyz",
		Prompt: "hello",
	}, ChannelCallbacks{}, testLogger())

	err := ch.Start(context.Background())
	if err == nil {
		ch.Terminate()
		t.Fatal("expected spawn error for missing binary")
	}

	var spawn *SpawnError
	if !errors.As(err, &spawn) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
	if ch.IsRunning() {
		t.Error("channel should not be running after failed spawn")
	}
}

func TestChannel_WriteTextBeforeStart(t *testing.T) {
	ch := NewChannel(ChannelConfig{Prompt: "hello"}, ChannelCallbacks{}, testLogger())

	err := ch.WriteText("y")
	if err == nil {
		t.Fatal("expected error writing to unstarted channel")
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("expected *IOError, got %T", err)
	}
}

func TestChannel_RunsRealProcess(t *testing.T) {
	// Use echo as a stand-in binary: it prints its arguments to stdout and
	// exits, exercising spawn, line delivery and exit reporting.
	var mu sync.Mutex
	var lines []string
	exited := make(chan struct{})

	ch := NewChannel(ChannelConfig{
		Binary: "echo",
		Prompt: "hello world",
	}, ChannelCallbacks{
		OnLine: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
		OnExit: func(err error, stderr string) {
			close(exited)
		},
	}, testLogger())

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ch.Terminate()

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit in time")
	}

	if err := ch.Wait(); err != nil {
		t.Errorf("echo should exit cleanly: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) == 0 {
		t.Fatal("expected at least one output line")
	}
	if !strings.Contains(lines[0], "hello world") {
		t.Errorf("output %q should contain the prompt argument", lines[0])
	}
}

func TestChannel_TerminateIdempotent(t *testing.T) {
	ch := NewChannel(ChannelConfig{
		Binary: "sleep",
		Prompt: "30",
	}, ChannelCallbacks{}, testLogger())

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	ch.Terminate()
	ch.Terminate() // second call is a no-op

	if ch.IsRunning() {
		t.Error("channel should not be running after Terminate")
	}
}

func TestChannel_TerminateSuppressesOnExit(t *testing.T) {
	exitCalled := make(chan struct{}, 1)

	ch := NewChannel(ChannelConfig{
		Binary: "sleep",
		Prompt: "30",
	}, ChannelCallbacks{
		OnExit: func(err error, stderr string) {
			exitCalled <- struct{}{}
		},
	}, testLogger())

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	ch.Terminate()

	select {
	case <-exitCalled:
		t.Error("OnExit should not fire for a Terminate-initiated exit")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMockChannel_Script(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	exited := make(chan error, 1)

	factory := &MockChannelFactory{}
	ch := factory.New(ChannelConfig{Prompt: "test"}, ChannelCallbacks{
		OnLine: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
		OnExit: func(err error, stderr string) {
			exited <- err
		},
	}, testLogger())

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("mock start failed: %v", err)
	}

	mock := factory.Channels()[0]
	mock.EmitLine(`{"type":"result","result":"ok"}`)

	if err := ch.WriteText("y"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if writes := mock.Writes(); len(writes) != 1 || writes[0] != "y" {
		t.Errorf("writes = %v, want [y]", writes)
	}

	mock.EmitExit(nil, "")
	select {
	case err := <-exited:
		if err != nil {
			t.Errorf("unexpected exit error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnExit not called")
	}

	if err := ch.Wait(); err != nil {
		t.Errorf("Wait should return nil after clean exit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 {
		t.Errorf("expected 1 line, got %d", len(lines))
	}
}

func TestMockChannelFactory_StartError(t *testing.T) {
	factory := &MockChannelFactory{StartErr: errors.New("no binary")}
	ch := factory.New(ChannelConfig{Prompt: "test"}, ChannelCallbacks{}, testLogger())

	err := ch.Start(context.Background())
	var spawn *SpawnError
	if !errors.As(err, &spawn) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
}
