package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// commandContext carries the process streams so commands never reach for
// os.Std* directly. Stdin is buffered exactly once: the picker and the
// delete confirmation read consecutive lines from the same reader.
type commandContext struct {
	stdin  *bufio.Reader
	stdout io.Writer
	stderr io.Writer
}

// interruptibleContext is the base context for operations that block on
// systemd, the network, or a convergence wait.
func interruptibleContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initLogger(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}
