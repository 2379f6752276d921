// Package claude spawns and talks to the Claude Code CLI for one prompt at
// a time.
//
// # Overview
//
// The package has two halves. The process channel (Channel) owns one CLI
// subprocess together with a pseudo-terminal: the CLI only accepts
// interactive permission and question responses on a terminal-attached
// stdin, while its structured output arrives as newline-delimited JSON on a
// plain stdout pipe. The stream parser (Parser) turns that output into
// typed events.
//
// # Process Channel
//
//	ch := claude.NewChannel(claude.ChannelConfig{
//	    Prompt:     "fix the failing test",
//	    WorkingDir: dir,
//	}, claude.ChannelCallbacks{
//	    OnLine: func(line string) { /* feed the parser */ },
//	}, log)
//	if err := ch.Start(ctx); err != nil {
//	    // *SpawnError: binary missing or PTY allocation failed
//	}
//	ch.WriteText("y") // approve a permission prompt
//	ch.Terminate()
//
// Terminate escalates from SIGTERM to SIGKILL after a grace period and
// blocks until the process is reaped, so descriptors never leak across
// session restarts.
//
// # Stream Parser
//
//	parser := claude.NewParser(log)
//	for _, ev := range parser.Feed(chunk) {
//	    switch ev.Type {
//	    case claude.EventText:
//	    case claude.EventPermissionDenied:
//	    case claude.EventResult:
//	    }
//	}
//
// Feed may be called with bytes split at arbitrary boundaries; partial lines
// are buffered until complete. Lines that fail structured decode become
// EventRawText rather than errors, because the CLI interleaves plain log
// lines with the JSON stream. The first conversation identifier seen on any
// message is captured and available via SessionID.
//
// # Errors
//
// SpawnError, IOError, TimeoutError, PermissionDeniedError and BusyError
// are typed so callers can branch with errors.As. PermissionDeniedError is
// the only recoverable kind; the session layer retries it with permissions
// skipped, up to a ceiling.
//
// # Testing
//
// ProcessChannel is an interface; MockChannel and MockChannelFactory let
// session tests script output lines, exits and spawn failures without a
// real subprocess.
package claude
