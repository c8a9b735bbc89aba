package command

import (
	"bufio"
	"io"
	"strings"

	"repogate/internal/logging"
)

// =============================================================================
// STREAMING SCANNER
// =============================================================================

// Scanner recognizes operations in a byte stream. It wraps a pure state
// machine so recognition can be driven one byte at a time without ever
// holding the full input in memory.
type Scanner struct {
	r    *bufio.Reader
	m    machine
	off  int64
	done bool
}

// NewScanner returns a Scanner over r. maxBodyBytes caps how many body bytes
// are buffered for a single operation before it is aborted with
// ErrBodyTooLarge.
func NewScanner(r io.Reader, maxBodyBytes int64) *Scanner {
	return &Scanner{
		r: bufio.NewReader(r),
		m: machine{maxBody: maxBodyBytes},
	}
}

// Next returns the next recognized operation in source order. A non-nil error
// other than io.EOF reports a failed recognition; the returned Operation is
// still populated as far as it got (kind, target, span) so the failure can be
// attributed. io.EOF means the input is exhausted.
func (s *Scanner) Next() (Operation, error) {
	if s.done {
		return Operation{}, io.EOF
	}
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			s.done = true
			if ev := s.m.finish(s.off); ev != nil {
				return ev.op, ev.err
			}
			if err == io.EOF {
				return Operation{}, io.EOF
			}
			return Operation{}, err
		}
		ev := s.m.feed(b, s.off)
		s.off++
		if ev != nil {
			if ev.err != nil {
				logging.Command("recognition failed at byte %d: %v", ev.op.Span.Start, ev.err)
			} else {
				logging.CommandDebug("recognized %s op at [%d,%d)", ev.op.Kind, ev.op.Span.Start, ev.op.Span.End)
			}
			return ev.op, ev.err
		}
	}
}

// Result pairs an operation with its recognition error, preserving source
// order when collecting a whole stream.
type Result struct {
	Op  Operation
	Err error
}

// ScanAll drains the scanner and returns every result in source order.
func ScanAll(r io.Reader, maxBodyBytes int64) ([]Result, error) {
	s := NewScanner(r, maxBodyBytes)
	var out []Result
	for {
		op, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil && op.Span.End == 0 && op.Kind == "" {
			// Stream-level read failure, not a recognition failure.
			return out, err
		}
		out = append(out, Result{Op: op, Err: err})
	}
}

// =============================================================================
// STATE MACHINE
// =============================================================================

type mode int

const (
	modeIdle   mode = iota // plain prose
	modeTag                // accumulating a candidate keyword after '<'
	modeTarget             // accumulating the target until '>'
	modeBody               // buffering a body until the closing tag
	modeSkip               // discarding an oversized body until the closing tag
)

// keywords maps opening-tag keywords to operation kinds.
var keywords = map[string]Kind{
	"open":   KindRead,
	"search": KindSearch,
	"write":  KindWrite,
	"exec":   KindExecute,
}

// closingTags maps body-carrying kinds to their closing delimiter.
var closingTags = map[Kind]string{
	KindWrite:   "</write>",
	KindExecute: "</exec>",
}

// event is what a transition emits: a completed operation or a recognition
// failure attributed to a partial one.
type event struct {
	op  Operation
	err error
}

// machine is the recognizer state. feed and finish are the only transitions;
// neither touches I/O, so the machine is testable byte by byte.
type machine struct {
	mode    mode
	kind    Kind
	start   int64 // offset of the opening '<'
	keyword []byte
	target  []byte
	body    []byte
	closing string
	maxBody int64
	tail    []byte // rolling closing-tag window in skip mode
}

func (m *machine) reset() {
	m.mode = modeIdle
	m.kind = ""
	m.keyword = m.keyword[:0]
	m.target = m.target[:0]
	m.body = m.body[:0]
	m.closing = ""
	m.tail = m.tail[:0]
}

// feed advances the machine by one byte at stream offset off and returns a
// non-nil event when an operation completes or fails.
func (m *machine) feed(b byte, off int64) *event {
	switch m.mode {
	case modeIdle:
		if b == '<' {
			m.mode = modeTag
			m.start = off
			m.keyword = m.keyword[:0]
		}
		return nil

	case modeTag:
		switch {
		case b == ' ':
			kind, ok := keywords[string(m.keyword)]
			if !ok {
				m.reset()
				return nil
			}
			m.kind = kind
			m.mode = modeTarget
			m.target = m.target[:0]
			return nil
		case b == '>':
			// Only <exec> opens without a target: the command arrives on the
			// first body line and the rest is stdin.
			if string(m.keyword) == "exec" {
				m.kind = KindExecute
				m.enterBody()
				return nil
			}
			m.reset()
			return nil
		case b == '<':
			// A fresh '<' restarts the candidate tag.
			m.start = off
			m.keyword = m.keyword[:0]
			return nil
		case b >= 'a' && b <= 'z' && len(m.keyword) < 8:
			m.keyword = append(m.keyword, b)
			return nil
		default:
			m.reset()
			return nil
		}

	case modeTarget:
		switch b {
		case '>':
			return m.closeTarget(off)
		case '\n':
			ev := m.incomplete(off)
			m.reset()
			return ev
		default:
			m.target = append(m.target, b)
			return nil
		}

	case modeBody:
		m.body = append(m.body, b)
		if b == '>' && m.bodyClosed() {
			return m.closeBody(off)
		}
		if int64(len(m.body)) > m.maxBody {
			ev := &event{
				op: Operation{
					Kind:   m.kind,
					Target: strings.TrimSpace(string(m.target)),
					Span:   Span{Start: m.start, End: off + 1},
				},
				err: ErrBodyTooLarge,
			}
			// Discard the rest of the body, keeping only enough bytes to
			// spot the closing tag.
			m.mode = modeSkip
			m.body = m.body[:0]
			m.tail = m.tail[:0]
			return ev
		}
		return nil

	case modeSkip:
		m.tail = append(m.tail, b)
		if n := len(m.closing); len(m.tail) > n {
			m.tail = m.tail[len(m.tail)-n:]
		}
		if b == '>' && string(m.tail) == m.closing {
			m.reset()
		}
		return nil
	}
	return nil
}

// finish flushes the machine at end of input. off is the stream length.
func (m *machine) finish(off int64) *event {
	switch m.mode {
	case modeTag:
		// Prose ending in "<word" is not a truncated directive unless the
		// word could still grow into a known keyword.
		if !keywordPrefix(m.keyword) {
			m.reset()
			return nil
		}
		ev := m.incomplete(off)
		m.reset()
		return ev
	case modeTarget, modeBody:
		ev := m.incomplete(off)
		m.reset()
		return ev
	default:
		m.reset()
		return nil
	}
}

// keywordPrefix reports whether the partial keyword could still complete
// into a known opening tag.
func keywordPrefix(partial []byte) bool {
	if len(partial) == 0 {
		return false
	}
	for kw := range keywords {
		if strings.HasPrefix(kw, string(partial)) {
			return true
		}
	}
	return false
}

// closeTarget handles the '>' that ends an opening tag.
func (m *machine) closeTarget(off int64) *event {
	target := strings.TrimSpace(string(m.target))
	switch m.kind {
	case KindRead, KindSearch:
		ev := &event{op: Operation{
			Kind:   m.kind,
			Target: target,
			Span:   Span{Start: m.start, End: off + 1},
		}}
		m.reset()
		return ev
	case KindExecute:
		// <exec CMD ARGS> is complete at '>'. Only a blank target falls
		// through to the stdin form.
		if target != "" {
			ev := &event{op: Operation{
				Kind:   m.kind,
				Target: target,
				Span:   Span{Start: m.start, End: off + 1},
			}}
			m.reset()
			return ev
		}
		m.enterBody()
		return nil
	case KindWrite:
		m.target = append(m.target[:0], target...)
		m.enterBody()
		return nil
	}
	m.reset()
	return nil
}

func (m *machine) enterBody() {
	m.mode = modeBody
	m.closing = closingTags[m.kind]
	m.body = m.body[:0]
}

// bodyClosed reports whether the body buffer now ends with the closing tag.
func (m *machine) bodyClosed() bool {
	n := len(m.closing)
	return len(m.body) >= n && string(m.body[len(m.body)-n:]) == m.closing
}

// closeBody handles the byte that completes a closing tag.
func (m *machine) closeBody(off int64) *event {
	raw := string(m.body[:len(m.body)-len(m.closing)])
	op := Operation{
		Kind:    m.kind,
		Target:  strings.TrimSpace(string(m.target)),
		HasBody: true,
		Span:    Span{Start: m.start, End: off + 1},
	}
	switch m.kind {
	case KindExecute:
		if op.Target == "" {
			// Stdin form: first line is the command, the rest is fed to it.
			line, rest, found := strings.Cut(trimBodyEdges(raw), "\n")
			op.Target = strings.TrimSpace(line)
			if found {
				op.Body = rest
			} else {
				op.HasBody = false
			}
		} else {
			op.Body = trimBodyEdges(raw)
		}
	default:
		op.Body = trimBodyEdges(raw)
	}
	m.reset()
	return &event{op: op}
}

// incomplete builds the partial-operation event for an unterminated directive.
func (m *machine) incomplete(off int64) *event {
	return &event{
		op: Operation{
			Kind:   m.kind,
			Target: strings.TrimSpace(string(m.target)),
			Span:   Span{Start: m.start, End: off},
		},
		err: ErrParseIncomplete,
	}
}

// trimBodyEdges strips the single newline on each side of a body that belongs
// to the tag syntax rather than the content. Interior whitespace is preserved
// exactly.
func trimBodyEdges(s string) string {
	s = strings.TrimPrefix(s, "\r\n")
	s = strings.TrimPrefix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s
}
