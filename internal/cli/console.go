package cli

import (
	"bufio"
	"context"
	"io"
	"strings"

	"gardencam/live/internal/domain"
	"gardencam/live/internal/stream"
)

// controls is the part of the viewer the console drives.
type controls interface {
	Retry(ctx context.Context) error
	SelectMode(ctx context.Context, mode stream.Mode) error
	SelectDevice(ctx context.Context, deviceID string) error
	State() domain.Status
}

// runConsole reads one command per line until EOF or ctx is done. It
// reports whether the user asked to quit.
func runConsole(ctx context.Context, r io.Reader, v controls) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			if runCommand(ctx, line, v) {
				return true
			}
		}
	}
}

func runCommand(ctx context.Context, line string, v controls) (quit bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "":
	case "quit", "exit", "q":
		return true
	case "retry", "r":
		err = v.Retry(ctx)
	case "status", "s":
		printStatus(v.State())
	case "mode", "m":
		if arg == "" {
			printWarning("usage: mode <peer-to-peer|push-relay|pull-url>")
			break
		}
		var mode stream.Mode
		if mode, err = stream.ParseMode(arg); err == nil {
			err = v.SelectMode(ctx, mode)
		}
	case "device", "d":
		if arg == "" {
			printWarning("usage: device <id>")
			break
		}
		err = v.SelectDevice(ctx, arg)
	default:
		printWarning("unknown command " + cmd + " (retry, mode, device, status, quit)")
	}
	if err != nil {
		printError(err.Error())
	}
	return false
}
