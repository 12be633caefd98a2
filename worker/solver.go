package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"eve.evalgo.org/catalog"
	"eve.evalgo.org/rerr"
	"eve.evalgo.org/storage"
)

// ObjectStoreCaseLoader fetches and decodes the case payload a queue
// envelope points at, directly off the Object Store Adapter.
type ObjectStoreCaseLoader struct {
	Store storage.Store
}

// LoadCase implements CaseLoader.
func (l *ObjectStoreCaseLoader) LoadCase(ctx context.Context, casePointer string) (Case, error) {
	data, _, err := l.Store.Get(ctx, casePointer)
	if err != nil {
		return nil, err
	}
	var c Case
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, rerr.Permanentf("decoding case at %s: %w", casePointer, err)
	}
	return c, nil
}

// solverOutput is what the external solver process writes to stdout on
// successful completion.
type solverOutput struct {
	Solutions      []interface{} `json:"solutions"`
	SolverType     string        `json:"solver_type"`
	RuntimeSeconds float64       `json:"runtime_seconds"`
}

// ExecSolver invokes the constraint solver as an external process, per
// the "callable accepting a case payload, a run id, and a progress
// callback" boundary: the case is written to the process's stdin as
// JSON, progress is read line-by-line off stderr as "PROGRESS pct
// message", and the final solutions document is read off stdout once the
// process exits. Grounded on the reference stack's CommandExecutor
// (exec.CommandContext), generalized from CombinedOutput to piped stdio
// so progress can be observed while the process is still running.
type ExecSolver struct {
	Path string
	Args []string
}

// Solve implements Solver.
func (s *ExecSolver) Solve(ctx context.Context, c Case, progress ProgressFunc) (*Result, error) {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, rerr.Permanentf("opening solver stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, rerr.Permanentf("opening solver stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, rerr.Permanentf("opening solver stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, rerr.Permanentf("starting solver process: %w", err)
	}

	caseJSON, err := json.Marshal(c)
	if err != nil {
		return nil, rerr.Permanentf("encoding case for solver: %w", err)
	}
	if _, err := stdin.Write(caseJSON); err != nil {
		return nil, rerr.Transientf("writing case to solver: %w", err)
	}
	stdin.Close()

	progressErrCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			pct, message, ok := parseProgressLine(scanner.Text())
			if !ok {
				continue
			}
			if err := progress(pct, message); err != nil {
				progressErrCh <- err
				return
			}
		}
		progressErrCh <- nil
	}()

	type stdoutResult struct {
		data []byte
		err  error
	}
	stdoutCh := make(chan stdoutResult, 1)
	go func() {
		data, err := io.ReadAll(stdout)
		stdoutCh <- stdoutResult{data: data, err: err}
	}()

	progressErr := <-progressErrCh
	if progressErr != nil {
		// The progress callback observed cancellation (or a transient
		// failure like visibility loss): unwind the subprocess immediately
		// instead of waiting for io.ReadAll(stdout)/cmd.Wait() to unblock
		// naturally, so cancellation latency stays bounded by the
		// progress-callback cadence rather than the solver's remaining
		// runtime, which may be hours.
		// Wait closes the stdout pipe once the killed process is reaped, which
		// unblocks the reader even if a child of the solver still holds the
		// write end open.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		<-stdoutCh
		return nil, progressErr
	}

	out := <-stdoutCh
	waitErr := cmd.Wait()

	if waitErr != nil {
		return nil, rerr.SolverFailuref("solver process exited with error: %w", waitErr)
	}
	if out.err != nil {
		return nil, rerr.Transientf("reading solver output: %w", out.err)
	}

	var solverOut solverOutput
	if err := json.Unmarshal(out.data, &solverOut); err != nil {
		return nil, rerr.SolverFailuref("decoding solver output: %w", err)
	}

	return &Result{
		Solutions: solverOut.Solutions,
		Metadata: catalog.Metadata{
			SolverType:     solverOut.SolverType,
			SolutionsCount: len(solverOut.Solutions),
			RuntimeSeconds: solverOut.RuntimeSeconds,
		},
	}, nil
}

// parseProgressLine parses a "PROGRESS <pct> <message...>" line. Any line
// not matching this shape is ordinary solver diagnostic output and is
// ignored rather than treated as an error.
func parseProgressLine(line string) (pct int, message string, ok bool) {
	const prefix = "PROGRESS "
	if !strings.HasPrefix(line, prefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(line, prefix)
	fields := strings.SplitN(rest, " ", 2)
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", false
	}
	msg := ""
	if len(fields) > 1 {
		msg = fields[1]
	}
	return n, msg, true
}
