// Package shell implements the run_shell command served by devices.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"msglink/message"
	"msglink/rpc"
)

const CommandRunShell = "run_shell"

// Request is the params of run_shell.
type Request struct {
	Script string `json:"script"`
	// Timeout in milliseconds; zero runs until the command's context ends.
	Timeout uint64 `json:"timeout,omitempty"`
}

// UnmarshalJSON also accepts the bare script string older controllers send
// as params.
func (r *Request) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		*r = Request{}
		return json.Unmarshal(b, &r.Script)
	}
	type plain Request
	return json.Unmarshal(b, (*plain)(r))
}

type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Run executes req.Script with sh -c. A script that runs and exits non-zero
// is a successful Result carrying the exit code; only a script that could not
// run or was killed by its deadline is an error.
func Run(ctx context.Context, req Request) (Result, error) {
	if req.Script == "" {
		return Result{}, message.NewError(message.ErrorCodeInvalidArgument, "empty script")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Millisecond)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", req.Script)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return res, message.NewError(message.ErrorCodeDeadlineExceeded, "script timed out")
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	case err != nil:
		return res, message.NewError(message.ErrorCodeInternal, err.Error())
	}
	return res, nil
}

// Register adds run_shell to e.
func Register(e *rpc.Engine) {
	e.AddCommand(CommandRunShell, rpc.Command(Run))
}
