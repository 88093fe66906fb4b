package extract

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	probeTimeout     = 5 * time.Second
	pdftoppmTimeout  = 60 * time.Second
	tesseractTimeout = 120 * time.Second

	stderrLimit = 500
)

// probeTool checks that a tool is installed by running `tool --version`.
// A nonzero exit still counts as present; only a missing binary or a hang
// does not.
func probeTool(tool string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err := exec.CommandContext(ctx, tool, "--version").Run()
	if ctx.Err() != nil {
		return false
	}
	if err == nil {
		return true
	}
	var ee *exec.ExitError
	return errors.As(err, &ee)
}

// runTool runs an OCR tool with a deadline. A timeout maps to
// ErrSubprocessTimeout and a failure to start to SubprocessError. A nonzero
// exit comes back as exitErr with the captured stderr attached, so callers
// decide whether it is fatal.
func runTool(ctx context.Context, timeout time.Duration, tool string, args ...string) (stdout string, exitErr, err error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out, errBuf bytes.Buffer
	cmd := exec.CommandContext(tctx, tool, args...)
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	switch {
	case runErr == nil:
		return out.String(), nil, nil
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return out.String(), nil, errors.Wrap(ErrSubprocessTimeout, tool)
	}

	sub := &SubprocessError{Tool: tool, Stderr: clipStderr(errBuf.String()), Err: runErr}
	var ee *exec.ExitError
	if errors.As(runErr, &ee) {
		return out.String(), sub, nil
	}
	return out.String(), nil, sub
}

func clipStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrLimit {
		s = s[:stderrLimit]
	}
	return s
}
