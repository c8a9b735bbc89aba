// Package command recognizes structured operations embedded in free-form
// agent text. The four bracketed forms are:
//
//	<open PATH>                 read a file
//	<search QUERY>              semantic search
//	<write PATH> ... </write>   write a file (body is the content)
//	<exec CMD ARGS>             run a single-line command
//	<exec> CMD \n STDIN </exec> run a command with stdin
//
// Recognition is streaming: the scanner never materializes the whole input
// and enforces a hard ceiling on buffered body bytes.
package command

// Kind identifies the type of a recognized operation.
type Kind string

const (
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindExecute Kind = "execute"
	KindSearch  Kind = "search"
)

// Span is the byte offset range [Start, End) in the input stream where an
// operation was recognized. An operation's span closes at its closing
// delimiter; dispatch order is span order.
type Span struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Operation is one recognized agent directive. It is immutable once emitted:
// created by the scanner when a closing delimiter is seen, consumed exactly
// once by the dispatcher.
type Operation struct {
	// Kind is the operation type.
	Kind Kind `json:"kind"`

	// Target is a path (read/write) or free-text command/query (execute/search).
	Target string `json:"target"`

	// Body is the optional multi-line payload: write content or execute stdin.
	Body string `json:"body,omitempty"`

	// HasBody distinguishes an empty body from no body at all.
	HasBody bool `json:"has_body"`

	// Span locates the operation in the input stream.
	Span Span `json:"span"`
}
