package claude

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/zhubert/relay-core/logger"
)

// EnvClaudeBinary overrides the CLI binary path when set.
const EnvClaudeBinary = "RELAY_CLAUDE_BINARY"

// terminateGracePeriod is how long Terminate waits after SIGTERM before
// force-killing the process.
const terminateGracePeriod = 2 * time.Second

// readResult holds the result of a read operation for cancellation handling.
type readResult struct {
	line string
	err  error
}

// ChannelConfig holds the settings for one CLI invocation.
type ChannelConfig struct {
	Binary          string // CLI binary; empty means "claude" on PATH
	Prompt          string
	WorkingDir      string
	ResumeID        string // resume a prior conversation when non-empty
	SkipPermissions bool   // pass --dangerously-skip-permissions
	RunID           string // when non-empty, raw stream output is captured to a log file
}

// ChannelCallbacks defines callbacks the Channel invokes from its internal
// goroutines. Implementations must be safe to call concurrently and must not
// block, or they will stall the output reader.
type ChannelCallbacks struct {
	// OnLine is called for each complete line read from stdout, without the
	// trailing newline.
	OnLine func(line string)

	// OnExit is called once when the process exits on its own. It is not
	// called when the exit was caused by Terminate. stderrContent carries
	// whatever the process wrote to stderr.
	OnExit func(err error, stderrContent string)
}

// ProcessChannel is the subset of Channel the session state machine drives.
// Tests substitute a mock implementation.
type ProcessChannel interface {
	// Start spawns the process. Failure to spawn returns a *SpawnError.
	Start(ctx context.Context) error

	// WriteText writes a human response line to the process's terminal.
	WriteText(text string) error

	// Terminate stops the process, escalating from SIGTERM to SIGKILL after
	// a grace period. Safe to call multiple times.
	Terminate()

	// Wait blocks until the process has exited and returns its exit error.
	Wait() error

	// IsRunning reports whether the process is currently running.
	IsRunning() bool
}

// ChannelFactory constructs a ProcessChannel for one invocation. The session
// state machine goes through a factory so tests can substitute mocks.
type ChannelFactory func(config ChannelConfig, callbacks ChannelCallbacks, log *slog.Logger) ProcessChannel

// DefaultChannelFactory builds real PTY-backed channels.
func DefaultChannelFactory(config ChannelConfig, callbacks ChannelCallbacks, log *slog.Logger) ProcessChannel {
	return NewChannel(config, callbacks, log)
}

// Channel owns one CLI subprocess and its pseudo-terminal. The CLI demands a
// terminal-attached stdin to accept interactive permission and question
// responses, while its structured JSON output arrives on a plain stdout
// pipe. Responses are written to the PTY master; the echo side is drained so
// writers never block.
type Channel struct {
	config    ChannelConfig
	callbacks ChannelCallbacks
	log       *slog.Logger

	// Protected by mu
	mu            sync.Mutex
	cmd           *exec.Cmd
	ptm           *os.File // PTY master, the write side for responses
	stderrContent string
	running       bool

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// monitorExit is the sole caller of cmd.Wait(); Terminate and Wait
	// coordinate through this channel instead of calling Wait again.
	waitDone   chan struct{}
	waitErr    error
	stderrDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once

	streamLog *os.File
}

// NewChannel creates a Channel. Start must be called before any other method.
func NewChannel(config ChannelConfig, callbacks ChannelCallbacks, log *slog.Logger) *Channel {
	return &Channel{
		config:    config,
		callbacks: callbacks,
		log:       log,
	}
}

// ResolveBinary returns the CLI binary to spawn: the environment override if
// set, then the configured binary, then "claude" on PATH.
func ResolveBinary(configured string) string {
	if env := os.Getenv(EnvClaudeBinary); env != "" {
		return env
	}
	if configured != "" {
		return configured
	}
	return "claude"
}

// BuildCommandArgs builds the CLI argument list for the given config.
// Exported so tests can verify argument construction directly.
func BuildCommandArgs(config ChannelConfig) []string {
	args := []string{"--print", "-p", config.Prompt}
	if config.ResumeID != "" {
		args = append(args, "--resume", config.ResumeID)
	}
	if config.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, "--output-format", "stream-json", "--verbose")
	return args
}

// Start spawns the CLI process under a pseudo-terminal.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	binary := ResolveBinary(c.config.Binary)
	args := BuildCommandArgs(c.config)
	c.log.Debug("starting process", "command", binary+" "+strings.Join(args, " "), "dir", c.config.WorkingDir)
	startTime := time.Now()

	ptm, pts, err := pty.Open()
	if err != nil {
		c.log.Error("failed to open pty", "error", err)
		return &SpawnError{Binary: binary, Err: fmt.Errorf("failed to open pty: %w", err)}
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = c.config.WorkingDir
	cmd.Stdin = pts

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		ptm.Close()
		pts.Close()
		return &SpawnError{Binary: binary, Err: fmt.Errorf("failed to get stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		ptm.Close()
		pts.Close()
		return &SpawnError{Binary: binary, Err: fmt.Errorf("failed to get stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		ptm.Close()
		pts.Close()
		c.log.Error("failed to start process", "error", err)
		return &SpawnError{Binary: binary, Err: err}
	}

	// The child holds its own copy of the slave descriptor now.
	pts.Close()

	c.cmd = cmd
	c.ptm = ptm
	c.stderrContent = ""
	c.waitDone = make(chan struct{})
	c.stderrDone = make(chan struct{})
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.config.RunID != "" {
		if path, err := logger.StreamLogPath(c.config.RunID); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				c.streamLog = f
			} else {
				c.log.Debug("failed to open stream log", "path", path, "error", err)
			}
		}
	}

	c.log.Info("process started", "pid", cmd.Process.Pid, "elapsed", time.Since(startTime))

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readOutput(bufio.NewReader(stdout))
	}()
	go func() {
		defer c.wg.Done()
		c.drainPTY(ptm)
	}()
	go func() {
		defer c.wg.Done()
		c.drainStderr(stderr)
	}()
	go c.monitorExit(cmd)

	return nil
}

// WriteText writes a response line to the process's terminal. The newline is
// appended here so callers pass bare tokens or answer text.
func (c *Channel) WriteText(text string) error {
	c.mu.Lock()
	ptm := c.ptm
	running := c.running
	c.mu.Unlock()

	if !running || ptm == nil {
		return &IOError{Op: "write", Err: fmt.Errorf("process not running")}
	}

	if _, err := ptm.WriteString(text + "\n"); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	c.log.Debug("wrote response to pty", "len", len(text))
	return nil
}

// Terminate stops the process, waiting up to the grace period after SIGTERM
// before force-killing. It blocks until the process is reaped and all reader
// goroutines have finished, so descriptors never leak across restarts.
func (c *Channel) Terminate() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		wasRunning := c.running
		c.running = false
		if c.cancel != nil {
			c.cancel()
		}
		cmd := c.cmd
		waitDone := c.waitDone
		c.mu.Unlock()

		if waitDone == nil {
			// Never started
			return
		}

		c.log.Debug("terminating process")

		if wasRunning && cmd != nil && cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-waitDone:
				c.log.Debug("process exited after SIGTERM")
			case <-time.After(terminateGracePeriod):
				c.log.Debug("grace period elapsed, force killing")
				cmd.Process.Kill()
				<-waitDone
			}
		} else {
			<-waitDone
		}

		// Closing the PTY master unblocks the drain goroutine.
		c.mu.Lock()
		if c.ptm != nil {
			c.ptm.Close()
			c.ptm = nil
		}
		c.mu.Unlock()

		c.wg.Wait()

		c.mu.Lock()
		if c.streamLog != nil {
			c.streamLog.Close()
			c.streamLog = nil
		}
		c.cmd = nil
		c.mu.Unlock()
	})
}

// Wait blocks until the process has exited and returns its exit error.
func (c *Channel) Wait() error {
	c.mu.Lock()
	waitDone := c.waitDone
	c.mu.Unlock()

	if waitDone == nil {
		return fmt.Errorf("process not started")
	}
	<-waitDone

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

// IsRunning reports whether the process is currently running.
func (c *Channel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// readOutput reads stdout line by line and invokes OnLine for each.
func (c *Channel) readOutput(reader *bufio.Reader) {
	c.log.Debug("output reader started")

	for {
		select {
		case <-c.ctx.Done():
			c.log.Debug("output reader exiting - context cancelled")
			return
		default:
		}

		line, err := c.readLine(reader)
		if err != nil {
			select {
			case <-c.ctx.Done():
				c.log.Debug("output reader exiting - cancelled during read")
				return
			default:
			}
			if err == io.EOF {
				c.log.Debug("EOF on stdout - process exited")
			} else {
				c.log.Debug("error reading stdout", "error", err)
			}
			// Exit handling belongs to monitorExit.
			return
		}

		if len(strings.TrimSpace(line)) == 0 {
			continue
		}

		c.mu.Lock()
		if c.streamLog != nil {
			c.streamLog.WriteString(line)
		}
		c.mu.Unlock()

		if c.callbacks.OnLine != nil {
			c.callbacks.OnLine(strings.TrimRight(line, "\r\n"))
		}
	}
}

// readLine reads a line from the reader, blocking until data is available.
//
// The spawned goroutine doing ReadString cannot be cancelled (blocking I/O),
// but the pipe closes when the process exits or is killed, which unblocks it
// with EOF. The channel is buffered so the goroutine can always deliver its
// result even after we return due to cancellation.
func (c *Channel) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-c.ctx.Done():
		return "", c.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainPTY consumes the PTY master's read side. The terminal echoes every
// response we write; without a reader the kernel buffer fills and WriteText
// would block. Ends when the master is closed or the process exits.
func (c *Channel) drainPTY(ptm *os.File) {
	io.Copy(io.Discard, ptm)
	c.log.Debug("pty drain finished")
}

// drainStderr captures all stderr content for exit diagnostics. Runs
// concurrently with the process so the pipe is read before cmd.Wait()
// closes it.
func (c *Channel) drainStderr(stderr io.ReadCloser) {
	defer close(c.stderrDone)

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		c.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		content := strings.TrimSpace(string(stderrBytes))
		c.mu.Lock()
		c.stderrContent = content
		c.mu.Unlock()
		c.log.Debug("captured stderr", "content", truncateForLog(content))
	}
}

// monitorExit is the sole caller of cmd.Wait(). It records the exit error,
// signals waitDone, and reports unexpected exits through OnExit.
func (c *Channel) monitorExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	c.mu.Lock()
	c.waitErr = err
	waitDone := c.waitDone
	wasRunning := c.running
	c.running = false
	stderrDone := c.stderrDone
	cancelled := c.ctx != nil && c.ctx.Err() != nil
	c.mu.Unlock()

	c.log.Debug("process exited", "error", err)
	close(waitDone)

	// Wait for stderr to be fully drained before reporting it.
	<-stderrDone

	c.mu.Lock()
	stderrContent := c.stderrContent
	c.mu.Unlock()

	if wasRunning && !cancelled && c.callbacks.OnExit != nil {
		c.callbacks.OnExit(err, stderrContent)
	}
}

// Compile-time checks
var _ ProcessChannel = (*Channel)(nil)
