package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"isolator/internal/cli/command"
	"isolator/internal/isolator/terminal"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
)

// attach bridges the REPL to a sandbox terminal over websocket. Input is
// line-based: every line is sent to the shell with a trailing newline.
// Ctrl-D detaches; the server keeps the session for reconnects.
func (s *Session) attach(ctx context.Context, params command.Params) error {
	sandboxID := params.Get("id")
	if sandboxID == "" {
		value, err := s.promptValue("sandbox_id")
		if err != nil {
			return err
		}
		sandboxID = value
	}

	wsURL, err := terminalURL(s.client.BaseURL(), sandboxID, command.ParseBool(params.Get("watch")))
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial terminal failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	s.printLine("attached to %s (Ctrl-D to detach)", sandboxID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var frame terminal.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame.Type {
			case terminal.FrameOutput:
				_, _ = fmt.Fprint(s.rl.Stdout(), frame.Data)
			case terminal.FrameExit:
				s.printLine("session closed")
				return
			case terminal.FrameError:
				s.printLine("terminal error: %s", frame.Data)
				return
			}
		}
	}()

	s.rl.SetPrompt("")
	defer s.rl.SetPrompt("isolator> ")
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				s.printLine("detached")
				return nil
			}
			return err
		}
		if err := conn.WriteJSON(terminal.Frame{Type: terminal.FrameInput, Data: line + "\n"}); err != nil {
			return fmt.Errorf("send input failed: %w", err)
		}
	}
}

func terminalURL(base, sandboxID string, watch bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/sandboxes/" + sandboxID + "/terminal"
	if watch {
		u.RawQuery = "watch=true"
	}
	return u.String(), nil
}
