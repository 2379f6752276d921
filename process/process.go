// Package process provides discovery and cleanup of stray Claude CLI processes.
//
// A crash can leave `claude --print ... --output-format stream-json` children
// running with no engine attached. The manager sweeps them at startup so stale
// runs never hold a conversation open.
package process

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/relay-core/exec"
	"github.com/zhubert/relay-core/logger"
)

// killGracePeriod is how long a process gets to exit after SIGTERM
// before SIGKILL is sent.
const killGracePeriod = 2 * time.Second

// ClaudeProcess represents a running Claude CLI process found on the system.
type ClaudeProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// FindClaudeProcesses finds running Claude CLI stream processes on the system.
// Only unix is supported; other platforms report no processes.
func FindClaudeProcesses(ctx context.Context, executor exec.CommandExecutor) ([]ClaudeProcess, error) {
	var processes []ClaudeProcess
	log := logger.WithComponent("process")

	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return processes, nil
	}

	// pgrep returns exit code 1 when nothing matches
	output, err := executor.Output(ctx, "", "pgrep", "-f", "claude.*--output-format stream-json")
	if err != nil {
		if strings.TrimSpace(string(output)) == "" {
			return processes, nil
		}
		return nil, err
	}

	pids := strings.Fields(string(output))
	for _, pidStr := range pids {
		pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
		if err != nil {
			continue
		}

		// Get the full command line for this PID
		psOutput, err := executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
		if err != nil {
			continue
		}

		processes = append(processes, ClaudeProcess{
			PID:     pid,
			Command: strings.TrimSpace(string(psOutput)),
		})
	}

	log.Debug("found Claude processes", "count", len(processes))
	return processes, nil
}

// KillProcess terminates a process by PID, SIGTERM first and SIGKILL after
// a grace period if it is still alive.
func KillProcess(ctx context.Context, executor exec.CommandExecutor, pid int) error {
	pidStr := strconv.Itoa(pid)

	if _, _, err := executor.Run(ctx, "", "kill", "-TERM", pidStr); err != nil {
		// Already gone
		return nil
	}

	deadline := time.Now().Add(killGracePeriod)
	for time.Now().Before(deadline) {
		// kill -0 probes liveness without signaling
		if _, _, err := executor.Run(ctx, "", "kill", "-0", pidStr); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	_, _, err := executor.Run(ctx, "", "kill", "-9", pidStr)
	return err
}

// extractConversationID extracts the resumed conversation id from a Claude
// CLI command line, if any.
func extractConversationID(cmdLine string) string {
	// Look for --resume or --session-id followed by the ID
	patterns := []string{"--resume", "--session-id"}
	for _, pattern := range patterns {
		_, after, ok := strings.Cut(cmdLine, pattern)
		if !ok {
			continue
		}

		// Get the part after the flag
		rest := after
		rest = strings.TrimLeft(rest, " =")

		// Extract the conversation ID (first space-separated token)
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// FindOrphanedClaudeProcesses finds Claude stream processes whose resumed
// conversation id is not in the provided set of live conversation ids.
// Processes without a resume flag are fresh prompts owned by someone else
// and are left alone.
func FindOrphanedClaudeProcesses(ctx context.Context, executor exec.CommandExecutor, liveConversations map[string]bool) ([]ClaudeProcess, error) {
	allProcesses, err := FindClaudeProcesses(ctx, executor)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []ClaudeProcess
	for _, proc := range allProcesses {
		conversationID := extractConversationID(proc.Command)
		if conversationID != "" && !liveConversations[conversationID] {
			orphans = append(orphans, proc)
			log.Info("found orphaned Claude process", "pid", proc.PID, "conversationID", conversationID)
		}
	}

	return orphans, nil
}

// CleanupOrphanedProcesses kills Claude stream processes that resume
// conversations no live run owns. Returns the number of processes killed.
func CleanupOrphanedProcesses(ctx context.Context, executor exec.CommandExecutor, liveConversations map[string]bool) (int, error) {
	orphans, err := FindOrphanedClaudeProcesses(ctx, executor, liveConversations)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned Claude process", "pid", proc.PID)
		if err := KillProcess(ctx, executor, proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}
