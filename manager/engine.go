// Package manager exposes the engine's public API: start a session on a
// channel, answer its permission and input requests, query its status, and
// abort it. A per-channel gate keeps one live session per channel and a
// write-through registry keeps conversation ids across engine restarts.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zhubert/relay-core/claude"
	"github.com/zhubert/relay-core/config"
	relayexec "github.com/zhubert/relay-core/exec"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/process"
	"github.com/zhubert/relay-core/session"
)

// EngineConfig is the configuration surface the engine requires. This
// decouples the engine from the concrete config.Config struct.
//
// *config.Config satisfies this interface implicitly.
type EngineConfig interface {
	session.Store
	GetDirectory(channelKey string) (string, bool)
	GetSkipPermissions(channelKey string) bool
	GetSessionID(channelKey string) string
	ClearSessionID(channelKey string) (bool, error)
}

// Compile-time interface satisfaction check.
var _ EngineConfig = (*config.Config)(nil)

// EngineOptions configures an Engine. Config is required; every other
// field has a working default.
type EngineOptions struct {
	Config   EngineConfig
	Tunables *config.Tunables

	// Factory creates process channels. Nil means real PTY channels;
	// tests inject a claude.MockChannelFactory.
	Factory claude.ChannelFactory

	// Executor runs the process-discovery commands for the orphan sweep.
	Executor relayexec.CommandExecutor

	// OnStatus receives throttled snapshots from every live session. The
	// snapshot carries the channel key, so one callback serves all channels.
	OnStatus func(session.Snapshot)
}

// Engine is the session engine's front door for the command dispatch layer.
type Engine struct {
	cfg      EngineConfig
	tunables *config.Tunables
	gate     *Gate
	registry *Registry
	factory  claude.ChannelFactory
	executor relayexec.CommandExecutor
	onStatus func(session.Snapshot)
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session // channelKey -> live session
}

// NewEngine creates an engine. Call SweepOrphans once at startup to clean
// up processes left behind by a previous run.
func NewEngine(opts EngineOptions) *Engine {
	tunables := opts.Tunables
	if tunables == nil {
		tunables = config.DefaultTunables()
	}
	executor := opts.Executor
	if executor == nil {
		executor = relayexec.GetDefaultExecutor()
	}

	return &Engine{
		cfg:      opts.Config,
		tunables: tunables,
		gate:     NewGate(),
		registry: NewRegistry(opts.Config),
		factory:  opts.Factory,
		executor: executor,
		onStatus: opts.OnStatus,
		log:      logger.WithComponent("Engine"),
		sessions: make(map[string]*session.Session),
	}
}

// StartSession launches a session for a channel and returns its run id.
// An empty directory falls back to the channel's configured mapping. A
// channel already running a session is rejected with *claude.BusyError
// without touching the live session.
func (e *Engine) StartSession(channelKey, directory, prompt string, autoApprove bool) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is empty")
	}
	if directory == "" {
		mapped, ok := e.cfg.GetDirectory(channelKey)
		if !ok {
			return "", fmt.Errorf("no directory mapped for channel %s", channelKey)
		}
		directory = mapped
	}

	lease, err := e.gate.TryAcquire(channelKey, prompt)
	if err != nil {
		return "", err
	}

	resumeID, _ := e.registry.Get(channelKey)
	if e.cfg.GetSkipPermissions(channelKey) {
		autoApprove = true
	}

	s := session.New(session.Options{
		ChannelKey:  channelKey,
		Directory:   directory,
		Prompt:      prompt,
		AutoApprove: autoApprove,
		ResumeID:    resumeID,
		Config:      e.cfg,
		Tunables:    e.tunables,
		Factory:     e.factory,
		OnStatus:    e.onStatus,
	})

	e.mu.Lock()
	e.sessions[channelKey] = s
	e.mu.Unlock()

	e.log.Info("session started", "channel", channelKey, "run", s.ID, "resume", resumeID != "", "autoApprove", autoApprove)

	// Sessions outlive the request that started them; shutdown goes
	// through Abort, not context cancellation.
	go func() {
		s.Run(context.Background())

		e.mu.Lock()
		if e.sessions[channelKey] == s {
			delete(e.sessions, channelKey)
		}
		e.mu.Unlock()
		lease.Release()
	}()

	return s.ID, nil
}

// RespondPermission forwards a permission answer to the channel's live
// session.
func (e *Engine) RespondPermission(channelKey string, approved, always bool) error {
	s := e.liveSession(channelKey)
	if s == nil {
		return fmt.Errorf("no active session for channel %s", channelKey)
	}
	return s.RespondPermission(approved, always)
}

// RespondInput forwards a free-text answer to the channel's live session.
func (e *Engine) RespondInput(channelKey, text string) error {
	s := e.liveSession(channelKey)
	if s == nil {
		return fmt.Errorf("no active session for channel %s", channelKey)
	}
	return s.RespondInput(text)
}

// Abort cancels the channel's live session.
func (e *Engine) Abort(channelKey string) error {
	s := e.liveSession(channelKey)
	if s == nil {
		return fmt.Errorf("no active session for channel %s", channelKey)
	}
	s.Abort()
	return nil
}

// StatusSnapshot returns the current snapshot of the channel's live session.
func (e *Engine) StatusSnapshot(channelKey string) (session.Snapshot, error) {
	s := e.liveSession(channelKey)
	if s == nil {
		return session.Snapshot{}, fmt.Errorf("no active session for channel %s", channelKey)
	}
	return s.Snapshot(), nil
}

// ActiveChannels returns the channels with live sessions, sorted.
func (e *Engine) ActiveChannels() []string {
	return e.gate.ActiveChannels()
}

// Registry returns the channel to conversation-id registry, for dispatch
// commands that reset a channel's conversation.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Shutdown aborts every live session and waits for them to finish, bounded
// by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	e.log.Info("shutting down", "sessions", len(sessions))

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s.Abort()
		g.Go(func() error {
			select {
			case <-s.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	err := g.Wait()
	e.log.Info("shutdown complete", "error", err)
	return err
}

// SweepOrphans kills stray CLI processes whose conversation id belongs to
// no live session. Run at startup, before the first StartSession.
func (e *Engine) SweepOrphans(ctx context.Context) (int, error) {
	e.mu.Lock()
	live := make(map[string]bool, len(e.sessions))
	for _, s := range e.sessions {
		if id := s.ConversationID(); id != "" {
			live[id] = true
		}
	}
	e.mu.Unlock()

	killed, err := process.CleanupOrphanedProcesses(ctx, e.executor, live)
	if killed > 0 {
		e.log.Info("cleaned up orphaned processes", "count", killed)
	}
	return killed, err
}

func (e *Engine) liveSession(channelKey string) *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[channelKey]
}
