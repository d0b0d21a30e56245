// Package scanner runs the external scanning tool for one job.
//
// The tool is an opaque executable. Its arguments may contain the
// placeholders {directory}, {id} and {output}; when {output} is present the
// tool writes its findings to that file, otherwise stdout is the findings
// document.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"scan-orchestrator/internal/entity"
)

const (
	stderrTail = 5
	waitDelay  = 5 * time.Second
)

type Config struct {
	Path string
	Args []string
	Env  []string
}

// ExitError is returned when the tool ran but exited unsuccessfully.
type ExitError struct {
	Code   int
	Stderr []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("scanner exited with status %d", e.Code)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, "; ")
	}
	return msg
}

type Command struct {
	cfg Config
}

func New(cfg Config) (*Command, error) {
	if cfg.Path == "" {
		return nil, errors.New("scanner path is empty")
	}
	return &Command{cfg: cfg}, nil
}

// Scan runs the tool over job's directory and returns the raw findings
// document. Cancelling ctx kills the tool.
func (c *Command) Scan(ctx context.Context, job *entity.Job) ([]byte, error) {
	var outPath string
	if c.usesOutputFile() {
		dir, err := os.MkdirTemp("", "scan-"+safeName(job.ID)+"-")
		if err != nil {
			return nil, fmt.Errorf("creating output dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(dir) }()
		outPath = filepath.Join(dir, "findings.json")
	}

	args := c.expand(job, outPath)
	cmd := exec.CommandContext(ctx, c.cfg.Path, args...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	lines := &lineWriter{ctx: ctx}
	cmd.Stdout = &out
	cmd.Stderr = lines

	start := time.Now()
	slog.DebugContext(ctx, "starting scanner", "path", c.cfg.Path, "args", args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting scanner: %w", err)
	}
	waitErr := cmd.Wait()
	lines.flush()

	slog.DebugContext(ctx, "scanner finished", "duration_ms", time.Since(start).Milliseconds(), "error", waitErr)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("scanner interrupted: %w", ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: lines.tail}
		}
		return nil, waitErr
	}

	if outPath != "" {
		b, err := os.ReadFile(outPath)
		if err != nil {
			return nil, fmt.Errorf("reading findings file: %w", err)
		}
		return b, nil
	}
	return out.Bytes(), nil
}

func (c *Command) usesOutputFile() bool {
	for _, a := range c.cfg.Args {
		if strings.Contains(a, "{output}") {
			return true
		}
	}
	return false
}

func (c *Command) expand(job *entity.Job, outPath string) []string {
	r := strings.NewReplacer(
		"{directory}", job.Payload.Directory,
		"{id}", job.ID,
		"{output}", outPath,
	)
	args := make([]string, len(c.cfg.Args))
	for i, a := range c.cfg.Args {
		args[i] = r.Replace(a)
	}
	return args
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// lineWriter logs the tool's stderr line by line and keeps the last lines
// for the failure diagnostic.
type lineWriter struct {
	ctx     context.Context
	partial []byte
	tail    []string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.line(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) line(l string) {
	if l == "" {
		return
	}
	slog.DebugContext(w.ctx, "scanner stderr", "line", l)
	w.tail = append(w.tail, l)
	if len(w.tail) > stderrTail {
		w.tail = w.tail[1:]
	}
}
