package keycodec

import "fmt"

// FormatError reports malformed or unrecognized key material. Raw carries
// the offending input so it can be shown in diagnostics.
type FormatError struct {
	Raw string
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("key format error: %v", e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func newFormatError(raw string, err error) *FormatError {
	return &FormatError{Raw: raw, Err: err}
}
