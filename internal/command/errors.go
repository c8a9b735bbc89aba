package command

import "errors"

// Recognizer errors. The scanner reports these alongside a partially
// populated Operation so the dispatcher can still attribute the failure to a
// source location.
var (
	// ErrParseIncomplete indicates a directive was opened but never closed:
	// an opening tag without its terminating '>' or a body whose closing tag
	// never arrived before end of input.
	ErrParseIncomplete = errors.New("incomplete operation")

	// ErrBodyTooLarge indicates an operation body exceeded the configured
	// buffering ceiling. The rest of the body is discarded, not buffered.
	ErrBodyTooLarge = errors.New("operation body exceeds size limit")
)
