package main

import (
	"log/slog"
	"os/exec"
)

const keepaliveSession = "ecotrace-claude-keepalive"

// startKeepalive keeps an interactive CLI session alive in tmux so its OAuth
// token (about 8h) is refreshed while the classifier runs unattended.
// Every failure is logged and ignored.
func startKeepalive(claudePath string) {
	if _, err := exec.LookPath("tmux"); err != nil {
		slog.Warn("keepalive: tmux not found, token auto-refresh disabled")
		return
	}
	if _, err := exec.LookPath(claudePath); err != nil {
		slog.Warn("keepalive: classifier CLI not found", "path", claudePath, "error", err)
		return
	}

	// Left over from a previous run of the service.
	if err := exec.Command("tmux", "has-session", "-t", keepaliveSession).Run(); err == nil {
		slog.Info("keepalive: session already running", "session", keepaliveSession)
		return
	}

	if err := exec.Command("tmux", "new-session", "-d", "-s", keepaliveSession, claudePath).Run(); err != nil {
		slog.Warn("keepalive: failed to start session", "error", err)
		return
	}
	slog.Info("keepalive: started tmux session", "session", keepaliveSession)
}
