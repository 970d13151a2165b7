package cmdlist

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/c360/labctrl/errors"
)

// ExitParseError is the exit status with which the compiler process reports
// a syntax error. Its stderr then holds the ParseError as JSON.
const ExitParseError = 1

// ExecCompiler runs an external compiler process per request. The sequence
// text goes to stdin; on success stdout carries the encoded program.
type ExecCompiler struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewExecCompiler creates a compiler running command with args
func NewExecCompiler(command string, args []string, timeout time.Duration, logger *slog.Logger) *ExecCompiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecCompiler{
		Command: command,
		Args:    args,
		Timeout: timeout,
		Logger:  logger.With("component", "cmdlist"),
	}
}

// Compile implements Compiler
func (c *ExecCompiler) Compile(ctx context.Context, text string) ([]byte, error) {
	if c.Command == "" {
		return nil, errors.WrapFatal(errors.ErrCompilerUnavailable, "ExecCompiler", "Compile", "command lookup")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		out := stdout.Bytes()
		if _, derr := Decode(out); derr != nil {
			return nil, errors.Wrap(derr, "ExecCompiler", "Compile", "program check")
		}
		c.Logger.Debug("Sequence compiled", "bytes", len(out), "duration", time.Since(start))
		return out, nil
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) && exitErr.ExitCode() == ExitParseError {
		var perr ParseError
		if jerr := json.Unmarshal(stderr.Bytes(), &perr); jerr == nil {
			return nil, &perr
		}
	}
	if ctx.Err() != nil {
		return nil, errors.WrapTransient(ctx.Err(), "ExecCompiler", "Compile", "run compiler")
	}
	c.Logger.Warn("Compiler failed", "error", err, "stderr", strings.TrimSpace(stderr.String()))
	return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrCompilerUnavailable, err),
		"ExecCompiler", "Compile", "run compiler")
}
