package player

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// PathPlaceholder marks where the audio file path goes in a custom player
// command template, e.g. "mpv --no-video $AUDIO_FILE".
const PathPlaceholder = "$AUDIO_FILE"

var (
	// ErrNoPlayer is returned when no known player executable is on PATH.
	ErrNoPlayer = errors.New("no audio player available: install ffplay, mpv, afplay, aplay or sox, or set playback.command")
	// ErrNoStdinSupport is returned for players that only accept file paths.
	ErrNoStdinSupport = errors.New("player does not support stdin streaming")
)

// Command describes how to invoke an external audio player, in either
// file-path mode or stdin-streaming mode. Immutable once built.
type Command struct {
	Path      string
	fileArgs  []string // argv template; PathPlaceholder is replaced at call time
	stdinArgs []string // argv for stdin mode; nil when the player cannot stream
}

// FileArgs builds the argv for playing the given file path.
func (c *Command) FileArgs(path string) []string {
	args := make([]string, 0, len(c.fileArgs)+1)
	substituted := false
	for _, a := range c.fileArgs {
		if strings.Contains(a, PathPlaceholder) {
			args = append(args, strings.ReplaceAll(a, PathPlaceholder, path))
			substituted = true
			continue
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, path)
	}
	return args
}

// StdinArgs returns the argv for stdin-streaming mode, or ErrNoStdinSupport.
func (c *Command) StdinArgs() ([]string, error) {
	if c.stdinArgs == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoStdinSupport, c.Path)
	}
	return c.stdinArgs, nil
}

// SupportsStdin reports whether the player can decode a byte stream on stdin.
func (c *Command) SupportsStdin() bool {
	return c.stdinArgs != nil
}

// ParseCustom splits a user-supplied command line into a player invocation.
// Arguments containing PathPlaceholder are substituted with the file path in
// path mode and with "-" in stdin mode. Without the placeholder the argument
// list is reused verbatim for stdin mode and the path is appended for path
// mode.
func ParseCustom(commandLine string) (*Command, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("player command is empty")
	}

	template := args[1:]
	stdin := make([]string, len(template))
	for i, a := range template {
		stdin[i] = strings.ReplaceAll(a, PathPlaceholder, "-")
	}
	return &Command{
		Path:      args[0],
		fileArgs:  template,
		stdinArgs: stdin,
	}, nil
}

// Locator reports the location of an executable on the host. Injected so
// tests do not depend on the players installed on the machine running them.
type Locator func(name string) (string, error)

// ExecLocator probes the real PATH.
func ExecLocator(name string) (string, error) {
	return exec.LookPath(name)
}

// Resolver discovers a usable playback executable and caches the outcome,
// positive or negative, for the life of the process.
type Resolver struct {
	log    *slog.Logger
	locate Locator

	mu       sync.Mutex
	resolved bool
	cmd      *Command
}

func NewResolver(log *slog.Logger, locate Locator) *Resolver {
	if locate == nil {
		locate = ExecLocator
	}
	return &Resolver{
		log:    log.With(slog.String("component", "player-resolver")),
		locate: locate,
	}
}

// Resolve probes the platform preference list and returns the first player
// found. A miss is cached too: probing PATH repeatedly per chunk would be
// wasted work.
func (r *Resolver) Resolve() (*Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved {
		if r.cmd == nil {
			return nil, ErrNoPlayer
		}
		return r.cmd, nil
	}
	r.resolved = true

	for _, name := range preferenceList() {
		path, err := r.locate(name)
		if err != nil || strings.TrimSpace(path) == "" {
			continue
		}
		r.cmd = knownPlayer(name, path)
		r.log.Info("resolved audio player",
			slog.String("player", name),
			slog.String("path", path),
			slog.Bool("stdin", r.cmd.SupportsStdin()))
		return r.cmd, nil
	}

	r.log.Warn("no audio player found on PATH")
	return nil, ErrNoPlayer
}

func preferenceList() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"afplay", "ffplay", "mpv", "play"}
	case "windows":
		return []string{"ffplay", "mpv"}
	default:
		return []string{"ffplay", "mpv", "aplay", "paplay", "play"}
	}
}

func knownPlayer(name, path string) *Command {
	switch name {
	case "afplay":
		// afplay only takes file paths.
		return &Command{Path: path, fileArgs: []string{PathPlaceholder}}
	case "ffplay":
		return &Command{
			Path:      path,
			fileArgs:  []string{"-autoexit", "-nodisp", "-loglevel", "error", PathPlaceholder},
			stdinArgs: []string{"-autoexit", "-nodisp", "-loglevel", "error", "-"},
		}
	case "mpv":
		return &Command{
			Path:      path,
			fileArgs:  []string{"--no-video", "--really-quiet", PathPlaceholder},
			stdinArgs: []string{"--no-video", "--really-quiet", "-"},
		}
	case "aplay":
		return &Command{
			Path:      path,
			fileArgs:  []string{"-q", PathPlaceholder},
			stdinArgs: []string{"-q", "-"},
		}
	case "paplay":
		return &Command{
			Path:      path,
			fileArgs:  []string{PathPlaceholder},
			stdinArgs: []string{},
		}
	case "play":
		return &Command{
			Path:      path,
			fileArgs:  []string{"-q", PathPlaceholder},
			stdinArgs: []string{"-q", "-t", "wav", "-"},
		}
	default:
		return &Command{Path: path, fileArgs: []string{PathPlaceholder}}
	}
}
