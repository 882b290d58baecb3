package mrt

import "fmt"

// TransportError reports a failure to reach or read the archive itself:
// unreachable host, non-200 response, missing local file. The file is
// recorded as failed and the batch moves on.
type TransportError struct {
	Ref string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mrt: fetch %s: %v", e.Ref, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports corruption of the MRT stream: truncated framing, a bad
// record header, or a RIB record arriving before any peer index table.
// Record is the index of the offending record within the file.
type DecodeError struct {
	Ref    string
	Record int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mrt: decode %s record %d: %v", e.Ref, e.Record, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
