package inject

import (
	"context"
	"os/exec"
	"runtime"
	"strings"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
)

// Strategy method names. The order of fallbackChain decides priority.
const (
	MethodCDPEval   = "cdp-eval"
	MethodCDPPaste  = "cdp-paste"
	MethodOSKeySend = "os-keysend"
	MethodTmuxSend  = "tmux-send"
	MethodGUIScript = "gui-script"
	MethodClipboard = "clipboard-only"
)

// Strategy is one way of actuating a message into a conversation.
type Strategy interface {
	Name() string
	Available(ctx context.Context) bool
	Send(ctx context.Context, conversationID, text string) error
}

// fallbackChain returns the platform-appropriate strategy priority order.
func fallbackChain(goos string) []string {
	switch goos {
	case "darwin":
		return []string{MethodCDPEval, MethodCDPPaste, MethodOSKeySend, MethodTmuxSend, MethodGUIScript, MethodClipboard}
	case "windows":
		return []string{MethodCDPEval, MethodCDPPaste, MethodOSKeySend, MethodClipboard}
	default:
		return []string{MethodCDPEval, MethodCDPPaste, MethodOSKeySend, MethodTmuxSend, MethodGUIScript, MethodClipboard}
	}
}

// cdpEvalStrategy types and submits through the assistant's composer API.
type cdpEvalStrategy struct {
	adapter cdp.API
}

func (s *cdpEvalStrategy) Name() string { return MethodCDPEval }

func (s *cdpEvalStrategy) Available(ctx context.Context) bool {
	ok, _ := s.adapter.AvailabilityCheck(ctx)
	return ok
}

func (s *cdpEvalStrategy) Send(ctx context.Context, conversationID, text string) error {
	return s.adapter.SendText(ctx, conversationID, text)
}

// cdpPasteStrategy focuses the composer and simulates a clipboard paste.
type cdpPasteStrategy struct {
	adapter cdp.API
}

func (s *cdpPasteStrategy) Name() string { return MethodCDPPaste }

func (s *cdpPasteStrategy) Available(ctx context.Context) bool {
	ok, _ := s.adapter.AvailabilityCheck(ctx)
	return ok
}

func (s *cdpPasteStrategy) Send(ctx context.Context, conversationID, text string) error {
	return s.adapter.PasteText(ctx, conversationID, text)
}

// execStrategy shells out to a platform tool. Only the active window can be
// targeted, so the conversation must already be switched before Send.
type execStrategy struct {
	name      string
	available func() bool
	run       func(ctx context.Context, text string) error
}

func (s *execStrategy) Name() string                   { return s.name }
func (s *execStrategy) Available(context.Context) bool { return s.available() }
func (s *execStrategy) Send(ctx context.Context, _ string, text string) error {
	return s.run(ctx, text)
}

func hasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func runCmd(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return cerrors.Wrap(cerrors.Internal, err, "%s: %s", name, strings.TrimSpace(string(out)))
	}
	return nil
}

func osKeySendStrategy() Strategy {
	switch runtime.GOOS {
	case "darwin":
		return &execStrategy{
			name:      MethodOSKeySend,
			available: func() bool { return hasBinary("osascript") },
			run: func(ctx context.Context, text string) error {
				script := `tell application "System Events" to keystroke ` + appleScriptQuote(text) + "\n" +
					`tell application "System Events" to key code 36`
				return runCmd(ctx, "osascript", "-e", script)
			},
		}
	case "windows":
		return &execStrategy{
			name:      MethodOSKeySend,
			available: func() bool { return hasBinary("powershell") },
			run: func(ctx context.Context, text string) error {
				script := `$w = New-Object -ComObject WScript.Shell; $w.SendKeys(` + powershellQuote(text+"~") + `)`
				return runCmd(ctx, "powershell", "-NoProfile", "-Command", script)
			},
		}
	default:
		return &execStrategy{
			name:      MethodOSKeySend,
			available: func() bool { return hasBinary("xdotool") },
			run: func(ctx context.Context, text string) error {
				if err := runCmd(ctx, "xdotool", "type", "--delay", "10", text); err != nil {
					return err
				}
				return runCmd(ctx, "xdotool", "key", "Return")
			},
		}
	}
}

func tmuxStrategy(pane string) Strategy {
	if pane == "" {
		pane = "assistant"
	}
	return &execStrategy{
		name:      MethodTmuxSend,
		available: func() bool { return hasBinary("tmux") },
		run: func(ctx context.Context, text string) error {
			return runCmd(ctx, "tmux", "send-keys", "-t", pane, text, "Enter")
		},
	}
}

func guiScriptStrategy() Strategy {
	if runtime.GOOS == "darwin" {
		return &execStrategy{
			name:      MethodGUIScript,
			available: func() bool { return hasBinary("osascript") },
			run: func(ctx context.Context, text string) error {
				script := `tell application "System Events"
  set the clipboard to ` + appleScriptQuote(text) + `
  keystroke "v" using command down
  delay 0.2
  key code 36
end tell`
				return runCmd(ctx, "osascript", "-e", script)
			},
		}
	}
	return &execStrategy{
		name:      MethodGUIScript,
		available: func() bool { return hasBinary("xdotool") && hasBinary("xclip") },
		run: func(ctx context.Context, text string) error {
			cmd := exec.CommandContext(ctx, "xclip", "-selection", "clipboard")
			cmd.Stdin = strings.NewReader(text)
			if out, err := cmd.CombinedOutput(); err != nil {
				return cerrors.Wrap(cerrors.Internal, err, "xclip: %s", strings.TrimSpace(string(out)))
			}
			if err := runCmd(ctx, "xdotool", "key", "ctrl+v"); err != nil {
				return err
			}
			return runCmd(ctx, "xdotool", "key", "Return")
		},
	}
}

func clipboardStrategy() Strategy {
	switch runtime.GOOS {
	case "darwin":
		return &execStrategy{
			name:      MethodClipboard,
			available: func() bool { return hasBinary("pbcopy") && hasBinary("osascript") },
			run: func(ctx context.Context, text string) error {
				cmd := exec.CommandContext(ctx, "pbcopy")
				cmd.Stdin = strings.NewReader(text)
				if err := cmd.Run(); err != nil {
					return cerrors.Wrap(cerrors.Internal, err, "pbcopy")
				}
				script := `tell application "System Events" to keystroke "v" using command down
tell application "System Events" to key code 36`
				return runCmd(ctx, "osascript", "-e", script)
			},
		}
	default:
		return &execStrategy{
			name:      MethodClipboard,
			available: func() bool { return hasBinary("xclip") && hasBinary("xdotool") },
			run: func(ctx context.Context, text string) error {
				cmd := exec.CommandContext(ctx, "xclip", "-selection", "clipboard")
				cmd.Stdin = strings.NewReader(text)
				if out, err := cmd.CombinedOutput(); err != nil {
					return cerrors.Wrap(cerrors.Internal, err, "xclip: %s", strings.TrimSpace(string(out)))
				}
				if err := runCmd(ctx, "xdotool", "key", "ctrl+v"); err != nil {
					return err
				}
				return runCmd(ctx, "xdotool", "key", "Return")
			},
		}
	}
}

func appleScriptQuote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func powershellQuote(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
