// Package dispatch routes recognized operations to their executors and turns
// every one of them — including the failures — into exactly one Outcome and
// one audit entry, in source order.
package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"repogate/internal/audit"
	"repogate/internal/boundary"
	"repogate/internal/command"
	"repogate/internal/index"
	"repogate/internal/logging"
	"repogate/internal/sandbox"
)

// Failure classes surfaced to the agent.
const (
	CodePathTraversal        = "PathTraversal"
	CodeExcludedPath         = "ExcludedPath"
	CodeExtensionDenied      = "ExtensionDenied"
	CodeNotFound             = "NotFound"
	CodeTooLarge             = "TooLarge"
	CodeReadFailure          = "ReadFailure"
	CodeWriteFailure         = "WriteFailure"
	CodeNotWhitelisted       = "NotWhitelisted"
	CodeExecutionDisabled    = "ExecutionDisabled"
	CodeIsolationUnavailable = "IsolationUnavailable"
	CodeImageUnverified      = "ImageUnverified"
	CodeTimeout              = "Timeout"
	CodeSearchDisabled       = "SearchDisabled"
	CodeIndexUnavailable     = "IndexUnavailable"
	CodeEmbeddingUnavailable = "EmbeddingUnavailable"
	CodeParseIncomplete      = "ParseIncomplete"
	CodeBodyTooLarge         = "BodyTooLarge"
	CodeInternal             = "Internal"
)

// Outcome is the result of one operation. Exactly one Outcome exists per
// recognized operation, successful or not.
type Outcome struct {
	RequestID string        `json:"request_id"`
	Kind      command.Kind  `json:"kind"`
	Target    string        `json:"target"`
	Span      command.Span  `json:"span"`
	Success   bool          `json:"success"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`

	// Content holds the file contents for a successful read.
	Content string `json:"content,omitempty"`

	// Results holds the ranked hits for a successful search.
	Results []index.SearchResult `json:"results,omitempty"`

	// Execution holds the run details for an execute operation.
	Execution *sandbox.ExecutionResult `json:"execution,omitempty"`
}

// Searcher is the similarity-index surface the dispatcher needs. nil means
// search is disabled.
type Searcher interface {
	Search(ctx context.Context, query string) ([]index.SearchResult, error)
}

// Dispatcher owns the per-operation pipeline: validate, execute, audit.
type Dispatcher struct {
	validator *boundary.Validator
	executor  *sandbox.Executor
	searcher  Searcher
	sink      audit.Sink
	maxBody   int64
}

// New wires a Dispatcher. searcher may be nil when the index is disabled;
// sink must not be nil.
func New(validator *boundary.Validator, executor *sandbox.Executor, searcher Searcher,
	sink audit.Sink, maxBodyBytes int64) *Dispatcher {
	return &Dispatcher{
		validator: validator,
		executor:  executor,
		searcher:  searcher,
		sink:      sink,
		maxBody:   maxBodyBytes,
	}
}

// Process recognizes and executes every operation in the stream, strictly in
// source order. Operations run one at a time: an agent's write followed by a
// read of the same file sees its own write.
func (d *Dispatcher) Process(ctx context.Context, r io.Reader) ([]Outcome, error) {
	scanner := command.NewScanner(r, d.maxBody)
	var outcomes []Outcome
	for {
		op, err := scanner.Next()
		if err == io.EOF {
			return outcomes, nil
		}
		if err != nil && op.Kind == "" && op.Span.End == 0 {
			// The input itself failed, not an operation in it.
			return outcomes, err
		}
		outcomes = append(outcomes, d.dispatch(ctx, op, err))
	}
}

// dispatch handles one operation end to end and records its audit entry.
func (d *Dispatcher) dispatch(ctx context.Context, op command.Operation, parseErr error) Outcome {
	started := time.Now()
	out := Outcome{
		RequestID: uuid.NewString(),
		Kind:      op.Kind,
		Target:    op.Target,
		Span:      op.Span,
	}

	switch {
	case parseErr != nil:
		out.Success = false
		out.Code, out.Message = d.classify(parseErr)
	case op.Kind == command.KindRead:
		d.doRead(&out, op)
	case op.Kind == command.KindWrite:
		d.doWrite(&out, op)
	case op.Kind == command.KindSearch:
		d.doSearch(ctx, &out, op)
	case op.Kind == command.KindExecute:
		d.doExecute(ctx, &out, op)
	default:
		out.Code = CodeInternal
		out.Message = "unknown operation kind"
	}

	out.Elapsed = time.Since(started)
	logging.Dispatch("%s %s: success=%v code=%s elapsed=%s",
		out.Kind, out.Target, out.Success, out.Code, out.Elapsed)

	d.sink.Record(audit.Entry{
		Timestamp: time.Now().UnixMilli(),
		RequestID: out.RequestID,
		Kind:      string(out.Kind),
		Target:    op.Target,
		Success:   out.Success,
		Code:      out.Code,
		Detail:    out.Message,
		Elapsed:   out.Elapsed.Milliseconds(),
	})
	return out
}

func (d *Dispatcher) doRead(out *Outcome, op command.Operation) {
	vp, err := d.validator.ValidateRead(op.Target)
	if err != nil {
		out.Code, out.Message = d.classify(err)
		return
	}
	content, err := d.executor.Read(vp)
	if err != nil {
		out.Code, out.Message = d.classify(err)
		return
	}
	out.Success = true
	out.Content = content
}

func (d *Dispatcher) doWrite(out *Outcome, op command.Operation) {
	if !op.HasBody {
		out.Code = CodeParseIncomplete
		out.Message = "write operation has no body"
		return
	}
	vp, err := d.validator.ValidateWrite(op.Target)
	if err != nil {
		out.Code, out.Message = d.classify(err)
		return
	}
	if err := d.executor.Write(vp, op.Body); err != nil {
		out.Code, out.Message = d.classify(err)
		return
	}
	out.Success = true
}

func (d *Dispatcher) doSearch(ctx context.Context, out *Outcome, op command.Operation) {
	if d.searcher == nil {
		out.Code = CodeSearchDisabled
		out.Message = "similarity search is disabled"
		return
	}
	results, err := d.searcher.Search(ctx, op.Target)
	if err != nil {
		out.Code, out.Message = d.classify(err)
		return
	}
	// No hits is still a successful search.
	out.Success = true
	out.Results = results
}

func (d *Dispatcher) doExecute(ctx context.Context, out *Outcome, op command.Operation) {
	result, err := d.executor.Execute(ctx, op.Target, op.Body)
	out.Execution = result
	if err != nil {
		out.Code, out.Message = d.classify(err)
		return
	}
	switch result.Phase {
	case sandbox.PhaseTimedOut:
		out.Code = CodeTimeout
		out.Message = "command killed after exceeding its time limit"
	case sandbox.PhaseCompleted:
		// A non-zero exit code is the command's verdict, not a broker
		// failure.
		out.Success = true
	default:
		out.Code = CodeIsolationUnavailable
		out.Message = "execution did not complete"
	}
}

// classify maps an error onto its failure class and a sanitized message.
func (d *Dispatcher) classify(err error) (string, string) {
	msg := d.sanitize(err.Error())
	switch {
	case errors.Is(err, boundary.ErrPathTraversal):
		return CodePathTraversal, msg
	case errors.Is(err, boundary.ErrExcludedPath):
		return CodeExcludedPath, msg
	case errors.Is(err, boundary.ErrExtensionDenied):
		return CodeExtensionDenied, msg
	case errors.Is(err, sandbox.ErrNotFound):
		return CodeNotFound, msg
	case errors.Is(err, sandbox.ErrTooLarge):
		return CodeTooLarge, msg
	case errors.Is(err, sandbox.ErrReadFailure):
		return CodeReadFailure, msg
	case errors.Is(err, sandbox.ErrWriteFailure):
		return CodeWriteFailure, msg
	case errors.Is(err, sandbox.ErrNotWhitelisted):
		return CodeNotWhitelisted, msg
	case errors.Is(err, sandbox.ErrDisabled):
		return CodeExecutionDisabled, msg
	case errors.Is(err, sandbox.ErrImageUnverified):
		return CodeImageUnverified, msg
	case errors.Is(err, sandbox.ErrIsolationUnavailable):
		return CodeIsolationUnavailable, msg
	case errors.Is(err, sandbox.ErrTimeout):
		return CodeTimeout, msg
	case errors.Is(err, index.ErrDisabled):
		return CodeSearchDisabled, msg
	case errors.Is(err, index.ErrEmbeddingUnavailable):
		return CodeEmbeddingUnavailable, msg
	case errors.Is(err, index.ErrIndexUnavailable):
		return CodeIndexUnavailable, msg
	case errors.Is(err, command.ErrParseIncomplete):
		return CodeParseIncomplete, msg
	case errors.Is(err, command.ErrBodyTooLarge):
		return CodeBodyTooLarge, msg
	default:
		return CodeInternal, msg
	}
}

// sanitize strips the absolute repository root out of diagnostics so the
// agent only ever sees repository-relative paths.
func (d *Dispatcher) sanitize(msg string) string {
	root := d.validator.Root()
	msg = strings.ReplaceAll(msg, root+"/", "")
	return strings.ReplaceAll(msg, root, ".")
}
