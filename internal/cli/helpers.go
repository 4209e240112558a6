package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/lherron/sandcastle/internal/render"
)

// ExitError carries a process exit code. Err may be nil when the command
// already reported the failure on stdout.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// ExitCode returns the process exit code for an error returned by Execute
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// Silent reports whether err needs no message on stderr
func Silent(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Err == nil
}

// newRenderer builds the renderer for the configured output format. jsonFlag
// forces JSON regardless of config.
func newRenderer(w io.Writer, output string, jsonFlag bool) (*render.Renderer, error) {
	format, err := render.ParseFormat(output)
	if err != nil {
		return nil, exitError(2, err)
	}
	if jsonFlag {
		format = render.FormatJSON
	}
	return render.NewRenderer(w, render.Options{Format: format}), nil
}
