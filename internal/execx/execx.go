// Package execx runs the external tools the benchmark depends on (fio,
// nvme-cli, blkdiscard, lspci, lscpu, lsblk) and classifies their failures.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// QueryTimeout bounds short informational commands. Measurement and erase
// calls are never bounded.
const QueryTimeout = 15 * time.Second

// Runner executes a command and returns its stdout and stderr. A command
// that ran but failed is reported as a *ToolError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ToolError is a failure raised by an external tool: a non-zero exit, a
// missing executable or a start failure.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if e.ExitCode < 0 {
		msg = fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// Command renders the invocation for logs.
func (e *ToolError) Command() string {
	return strings.Join(append([]string{e.Tool}, e.Args...), " ")
}

// IsToolError reports whether err is (or wraps) a *ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// OSRunner runs commands on the local host.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), nil
	}
	// A cancelled context is not the tool's fault.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), stderr.Bytes(), errors.Wrapf(ctxErr, "running %s", name)
	}
	te := &ToolError{Tool: name, Args: args, ExitCode: -1, Stderr: stderr.String(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	return stdout.Bytes(), stderr.Bytes(), te
}

// Query runs a short informational command with QueryTimeout and returns stdout as a string.
func Query(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	out, _, err := r.Run(ctx, name, args...)
	return string(out), err
}

// LookPath returns the full path of an executable, or an empty string.
func LookPath(name string) string {
	p, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return p
}
