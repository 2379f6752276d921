// Package session drives one CLI run per chat channel through a state
// machine: spawn under a PTY, decode the output stream, surface permission
// and input requests, and recover from mid-run permission denials with a
// bounded restart cycle.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zhubert/relay-core/claude"
	"github.com/zhubert/relay-core/config"
	"github.com/zhubert/relay-core/logger"
)

// Snapshot is a point-in-time view of a session, pushed to the status
// callback on a throttled cadence and returned by status queries.
type Snapshot struct {
	RunID          string
	ChannelKey     string
	State          State
	Activity       string // last activity, e.g. the tool currently running
	Elapsed        time.Duration
	Prompt         string
	Output         string // accumulated text, capped at max_output_length
	ConversationID string
	Err            error
}

// Store is the persistence surface a session needs from the config record.
// *config.Config satisfies it.
type Store interface {
	GetTimeout() time.Duration
	GetMaxOutputLength() int
	SetSessionID(channelKey, conversationID string) error
	SetSkipPermissions(channelKey string, skip bool) error
}

var _ Store = (*config.Config)(nil)

// Options configures a session. Config is the injected record store; there
// is no ambient singleton.
type Options struct {
	ChannelKey  string
	Directory   string
	Prompt      string
	AutoApprove bool
	ResumeID    string // conversation to resume, from the registry

	Config   Store
	Tunables *config.Tunables

	// Factory creates process channels; nil means real PTY channels.
	// Tests inject a claude.MockChannelFactory.
	Factory claude.ChannelFactory

	// OnStatus receives throttled snapshots. Terminal transitions and
	// waiting transitions always flush regardless of the throttle.
	OnStatus func(Snapshot)
}

// taggedEvent carries the spawn generation so events from a terminated
// process cannot leak into a restarted run.
type taggedEvent struct {
	ev  claude.Event
	gen int
}

// exitNotice is a process exit tagged with its spawn generation. A process
// that dies on its own around a denial restart must not fail the attempt
// that replaced it.
type exitNotice struct {
	err error
	gen int
}

// Session executes one prompt on one channel. Create with New, drive with
// Run; RespondPermission, RespondInput and Abort may be called from other
// goroutines while Run is in flight.
type Session struct {
	ID string

	opts         Options
	log          *slog.Logger
	maxRestarts  int
	maxOutput    int
	timeout      time.Duration
	responseWait time.Duration

	mu              sync.Mutex
	state           State
	channel         claude.ProcessChannel
	gen             int
	conversationID  string
	forceSkip       bool
	retries         int
	output          strings.Builder
	outputTruncated bool
	activity        string
	entries         []config.TranscriptEntry
	startedAt       time.Time
	waitStart       time.Time
	deadline        time.Time
	err             error
	finalText       string

	events   chan taggedEvent
	procExit chan exitNotice
	resumeCh chan struct{}
	abortCh  chan struct{}
	done     chan struct{}

	abortOnce sync.Once

	limiter *rate.Limiter
}

// New creates a session in StateIdle. Run starts it.
func New(opts Options) *Session {
	if opts.Tunables == nil {
		opts.Tunables = config.DefaultTunables()
	}

	s := &Session{
		ID:           uuid.NewString(),
		opts:         opts,
		state:        StateIdle,
		maxRestarts:  opts.Tunables.MaxRestarts,
		maxOutput:    opts.Config.GetMaxOutputLength(),
		timeout:      opts.Config.GetTimeout(),
		responseWait: opts.Tunables.ResponseTimeout.Duration,
		events:       make(chan taggedEvent, 256),
		procExit:     make(chan exitNotice, 1),
		resumeCh:     make(chan struct{}, 1),
		abortCh:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	if s.maxOutput <= 0 {
		s.maxOutput = config.DefaultMaxOutputLength
	}
	if s.responseWait <= 0 {
		s.responseWait = 300 * time.Second
	}

	interval := opts.Tunables.StatusInterval.Duration
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	s.limiter = rate.NewLimiter(rate.Every(interval), 1)

	s.log = logger.WithChannel(opts.ChannelKey).With("run", s.ID)
	return s
}

// Run executes the session to a terminal state and returns its error, nil
// for StateCompleted. It blocks; callers run it on its own goroutine and
// watch Done or the status callback.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	s.mu.Lock()
	s.startedAt = time.Now()
	s.appendEntryLocked("prompt", s.opts.Prompt)
	s.mu.Unlock()

	s.log.Info("session starting", "directory", s.opts.Directory, "resume", s.opts.ResumeID != "", "autoApprove", s.opts.AutoApprove)

	if err := s.spawn(ctx); err != nil {
		s.finish(StateFailed, err)
		return err
	}
	s.emitStatus(true)

	for {
		s.mu.Lock()
		waiting := s.state.Waiting()
		deadline := s.deadline
		waitStart := s.waitStart
		s.mu.Unlock()

		// The run clock is suspended while a human response is pending:
		// the deadline is pushed out by the waited interval on resume. A
		// waiting state instead runs on the response clock, which denies
		// or cancels the request when nobody answers in time.
		var timer *time.Timer
		var timeoutC, responseC <-chan time.Time
		if waiting {
			timer = time.NewTimer(time.Until(waitStart.Add(s.responseWait)))
			responseC = timer.C
		} else {
			timer = time.NewTimer(time.Until(deadline))
			timeoutC = timer.C
		}

		var finished bool
		select {
		case te := <-s.events:
			finished = s.handleEvent(ctx, te)

		case notice := <-s.procExit:
			finished = s.handleExit(ctx, notice)

		case <-s.resumeCh:
			// Re-arm the timeout after a human response

		case <-s.abortCh:
			s.log.Info("session aborted")
			s.terminateChannel()
			s.finish(StateCancelled, nil)
			finished = true

		case <-ctx.Done():
			s.terminateChannel()
			s.finish(StateCancelled, ctx.Err())
			finished = true

		case <-timeoutC:
			elapsed := time.Since(s.startedAtSnapshot())
			s.log.Warn("session timed out", "elapsed", elapsed)
			s.terminateChannel()
			s.finish(StateFailed, &claude.TimeoutError{Elapsed: elapsed})
			finished = true

		case <-responseC:
			s.handleResponseTimeout()
		}

		timer.Stop()
		if finished {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			return err
		}
	}
}

// RespondPermission answers a pending permission request. approved selects
// the approve token, always the blanket-approve token (persisted as the
// channel's skip-permissions default), otherwise the deny token is written.
func (s *Session) RespondPermission(approved, always bool) error {
	s.mu.Lock()
	if s.state != StateWaitingPermission {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("no permission request pending (state: %s)", state)
	}
	token := s.opts.Tunables.DenyToken
	if always {
		token = s.opts.Tunables.ApproveAlwaysToken
	} else if approved {
		token = s.opts.Tunables.ApproveToken
	}
	ch := s.channel
	s.resumeLocked()
	s.mu.Unlock()

	if err := ch.WriteText(token); err != nil {
		return err
	}

	if always {
		if err := s.opts.Config.SetSkipPermissions(s.opts.ChannelKey, true); err != nil {
			s.log.Warn("failed to persist skip-permissions flag", "error", err)
		}
	}

	s.log.Debug("permission response written", "approved", approved, "always", always)
	s.nudge()
	return nil
}

// RespondInput answers a pending free-text question. The text is passed
// through verbatim; the channel appends the newline.
func (s *Session) RespondInput(text string) error {
	s.mu.Lock()
	if s.state != StateWaitingInput {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("no input request pending (state: %s)", state)
	}
	ch := s.channel
	s.resumeLocked()
	s.mu.Unlock()

	if err := ch.WriteText(text); err != nil {
		return err
	}

	s.log.Debug("input response written", "len", len(text))
	s.nudge()
	return nil
}

// Abort requests cancellation. The process is terminated before Run
// returns; no conversation id from the partial run is persisted. Safe to
// call multiple times.
func (s *Session) Abort() {
	s.abortOnce.Do(func() {
		close(s.abortCh)
	})
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, nil unless the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FinalText returns the result text once the session has completed.
func (s *Session) FinalText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalText
}

// ConversationID returns the captured conversation identifier, "" if none
// has been seen.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Prompt returns the prompt driving this session.
func (s *Session) Prompt() string {
	return s.opts.Prompt
}

// Retries returns how many permission-denial restarts have occurred.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// spawn builds a process channel for the current attempt and starts it.
// Restarts force the skip-permissions flag and resume the captured
// conversation so context is not lost.
func (s *Session) spawn(ctx context.Context) error {
	// Discard an exit left over from the previous attempt
	select {
	case <-s.procExit:
	default:
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	// Each attempt gets the full run timeout
	s.deadline = time.Now().Add(s.timeout)
	resumeID := s.conversationID
	if resumeID == "" {
		resumeID = s.opts.ResumeID
	}
	channelConfig := claude.ChannelConfig{
		Binary:          s.opts.Tunables.ClaudeBinary,
		Prompt:          s.opts.Prompt,
		WorkingDir:      s.opts.Directory,
		ResumeID:        resumeID,
		SkipPermissions: s.opts.AutoApprove || s.forceSkip,
		RunID:           s.ID,
	}
	s.state = StateStarting
	s.mu.Unlock()

	parser := claude.NewParser(s.log)

	callbacks := claude.ChannelCallbacks{
		OnLine: func(line string) {
			events := parser.Feed([]byte(line + "\n"))
			if id := parser.SessionID(); id != "" {
				s.captureConversationID(id)
			}
			for _, ev := range events {
				s.deliver(taggedEvent{ev: ev, gen: gen})
			}
		},
		OnExit: func(exitErr error, stderrContent string) {
			for _, ev := range parser.Flush() {
				s.deliver(taggedEvent{ev: ev, gen: gen})
			}
			if exitErr != nil && stderrContent != "" {
				exitErr = fmt.Errorf("%w: %s", exitErr, stderrContent)
			}
			select {
			case s.procExit <- exitNotice{err: exitErr, gen: gen}:
			default:
			}
		},
	}

	factory := s.opts.Factory
	if factory == nil {
		factory = claude.DefaultChannelFactory
	}
	ch := factory(channelConfig, callbacks, s.log)

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	return ch.Start(ctx)
}

// handleEvent dispatches one stream event. Returns true when the session
// reached a terminal state.
func (s *Session) handleEvent(ctx context.Context, te taggedEvent) bool {
	s.mu.Lock()
	if te.gen != s.gen || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	// First successful read moves Starting to Running
	if s.state == StateStarting {
		s.state = StateRunning
	}
	s.mu.Unlock()

	ev := te.ev
	switch ev.Type {
	case claude.EventText:
		s.mu.Lock()
		s.appendOutputLocked(ev.Text)
		s.appendEntryLocked("text", ev.Text)
		s.mu.Unlock()
		s.emitStatus(false)

	case claude.EventRawText:
		s.mu.Lock()
		s.appendEntryLocked("raw", ev.Text)
		s.mu.Unlock()

	case claude.EventToolUse:
		s.mu.Lock()
		s.activity = strings.TrimSpace(ev.ToolName + " " + ev.ToolInput)
		s.appendEntryLocked("tool", strings.TrimSpace(ev.ToolName+" "+ev.ToolInput))
		s.mu.Unlock()
		s.emitStatus(false)

	case claude.EventToolResult:
		if ev.IsError {
			s.mu.Lock()
			s.appendEntryLocked("tool", "error: "+ev.Text)
			s.mu.Unlock()
		}

	case claude.EventPermissionRequest:
		s.mu.Lock()
		s.state = StateWaitingPermission
		s.waitStart = time.Now()
		s.activity = permissionActivity(ev)
		s.mu.Unlock()
		s.emitStatus(true)

	case claude.EventInputRequest:
		s.mu.Lock()
		s.state = StateWaitingInput
		s.waitStart = time.Now()
		s.activity = ev.Text
		s.mu.Unlock()
		s.emitStatus(true)

	case claude.EventPermissionDenied:
		return s.handleDenial(ctx, ev)

	case claude.EventResult:
		return s.handleResult(ev)
	}
	return false
}

// handleDenial runs the terminate-and-restart cycle for a mid-run
// permission rejection, preserving conversation context via --resume.
func (s *Session) handleDenial(ctx context.Context, ev claude.Event) bool {
	s.mu.Lock()
	s.retries++
	retries := s.retries
	s.mu.Unlock()

	s.log.Warn("permission denied during run", "attempt", retries, "reason", ev.Text)
	s.terminateChannel()

	if retries > s.maxRestarts {
		s.finish(StateFailed, &claude.PermissionDeniedError{
			Reason:    ev.Text,
			Retries:   s.maxRestarts,
			Exhausted: true,
		})
		return true
	}

	s.mu.Lock()
	s.forceSkip = true
	s.activity = "restarting with permissions skipped"
	s.mu.Unlock()
	s.emitStatus(true)

	if err := s.spawn(ctx); err != nil {
		s.finish(StateFailed, err)
		return true
	}
	return false
}

// handleResult finishes the session on the terminal stream event.
func (s *Session) handleResult(ev claude.Event) bool {
	s.mu.Lock()
	s.finalText = ev.Text
	if ev.Text != "" {
		// Assistant text deltas usually cover the result already; only
		// surface the result text when nothing streamed before it.
		if s.output.Len() == 0 {
			s.appendOutputLocked(ev.Text)
		}
		s.appendEntryLocked("result", ev.Text)
	}
	s.mu.Unlock()

	s.terminateChannel()

	if ev.IsError {
		s.finish(StateFailed, fmt.Errorf("run failed: %s", ev.Text))
	} else {
		s.finish(StateCompleted, nil)
	}
	return true
}

// handleExit handles the process exiting before a result arrived. Events
// can still be queued behind the exit notification, so they are drained
// first; a queued result finishes the session normally, and a queued
// denial restarts the run, making this exit stale.
func (s *Session) handleExit(ctx context.Context, notice exitNotice) bool {
	for draining := true; draining; {
		select {
		case te := <-s.events:
			if s.handleEvent(ctx, te) {
				return true
			}
		default:
			draining = false
		}
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return true
	}
	if notice.gen != s.gen {
		// The exit belongs to a superseded attempt
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	var cause error
	if notice.err != nil {
		cause = &claude.IOError{Op: "read", Err: fmt.Errorf("process exited unexpectedly: %w", notice.err)}
	} else {
		cause = &claude.IOError{Op: "read", Err: fmt.Errorf("process exited before emitting a result")}
	}
	s.terminateChannel()
	s.finish(StateFailed, cause)
	return true
}

// handleResponseTimeout resolves a request nobody answered within the
// response window: a pending permission request is denied, a pending input
// request gets a blank line, and the run resumes either way.
func (s *Session) handleResponseTimeout() {
	s.mu.Lock()
	if !s.state.Waiting() {
		s.mu.Unlock()
		return
	}
	state := s.state
	token := s.opts.Tunables.DenyToken
	if state == StateWaitingInput {
		token = ""
	}
	ch := s.channel
	s.resumeLocked()
	s.mu.Unlock()

	s.log.Warn("no response within window, auto-resolving", "state", state.String(), "window", s.responseWait)
	if err := ch.WriteText(token); err != nil {
		s.log.Warn("failed to write auto-response", "error", err)
	}
	s.emitStatus(true)
}

// finish records the terminal state, persists the conversation id (except
// for aborted partial runs), saves the transcript, and flushes a final
// snapshot. Idempotent.
func (s *Session) finish(state State, cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.err = cause
	convID := s.conversationID
	entries := make([]config.TranscriptEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	if state != StateCancelled && convID != "" && convID != s.opts.ResumeID {
		if err := s.opts.Config.SetSessionID(s.opts.ChannelKey, convID); err != nil {
			s.log.Warn("failed to persist conversation id", "error", err)
		}
	}

	tr := &config.Transcript{
		ChannelKey:     s.opts.ChannelKey,
		ConversationID: convID,
		Outcome:        state.String(),
		Entries:        entries,
	}
	if err := config.SaveTranscript(s.ID, tr, config.MaxTranscriptLines); err != nil {
		s.log.Warn("failed to save transcript", "error", err)
	}

	s.log.Info("session finished", "state", state.String(), "error", cause)
	s.emitStatus(true)
}

// terminateChannel stops the current process channel if one is live.
func (s *Session) terminateChannel() {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		ch.Terminate()
	}
}

// resumeLocked leaves a waiting state and re-extends the deadline by the
// waited interval. Caller holds mu.
func (s *Session) resumeLocked() {
	s.state = StateRunning
	if !s.waitStart.IsZero() {
		s.deadline = s.deadline.Add(time.Since(s.waitStart))
		s.waitStart = time.Time{}
	}
	s.activity = ""
}

// nudge wakes the run loop so it re-arms the timeout after a response.
func (s *Session) nudge() {
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

// deliver hands an event to the run loop, giving up once the session has
// finished so reader goroutines never block on a dead loop.
func (s *Session) deliver(te taggedEvent) {
	select {
	case s.events <- te:
	case <-s.done:
	}
}

// captureConversationID records the first conversation id seen across all
// attempts of this session.
func (s *Session) captureConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		s.conversationID = id
		s.log.Debug("captured conversation id", "conversationID", id)
	}
}

// appendOutputLocked accumulates snapshot text up to the configured cap.
// Caller holds mu. The full text still reaches the transcript.
func (s *Session) appendOutputLocked(text string) {
	if s.outputTruncated {
		return
	}
	remaining := s.maxOutput - s.output.Len()
	if remaining <= 0 {
		s.outputTruncated = true
		return
	}
	if len(text) > remaining {
		s.output.WriteString(text[:remaining])
		s.outputTruncated = true
		return
	}
	s.output.WriteString(text)
}

// appendEntryLocked records a transcript entry. Caller holds mu.
func (s *Session) appendEntryLocked(kind, content string) {
	s.entries = append(s.entries, config.TranscriptEntry{
		Kind:    kind,
		Content: content,
		At:      time.Now(),
	})
}

// emitStatus pushes a snapshot to the status callback. Throttled to the
// configured interval unless force is set (waiting and terminal
// transitions always flush).
func (s *Session) emitStatus(force bool) {
	if s.opts.OnStatus == nil {
		return
	}
	if !force && !s.limiter.Allow() {
		return
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.opts.OnStatus(snap)
}

// snapshotLocked builds a Snapshot. Caller holds mu.
func (s *Session) snapshotLocked() Snapshot {
	var elapsed time.Duration
	if !s.startedAt.IsZero() {
		elapsed = time.Since(s.startedAt)
	}
	return Snapshot{
		RunID:          s.ID,
		ChannelKey:     s.opts.ChannelKey,
		State:          s.state,
		Activity:       s.activity,
		Elapsed:        elapsed,
		Prompt:         s.opts.Prompt,
		Output:         s.output.String(),
		ConversationID: s.conversationID,
		Err:            s.err,
	}
}

func (s *Session) startedAtSnapshot() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// permissionActivity describes a pending permission request for status
// display.
func permissionActivity(ev claude.Event) string {
	parts := []string{"permission requested"}
	if ev.ToolName != "" {
		parts = append(parts, ev.ToolName)
	}
	if ev.Path != "" {
		parts = append(parts, ev.Path)
	} else if ev.ToolInput != "" {
		parts = append(parts, ev.ToolInput)
	}
	return strings.Join(parts, ": ")
}
