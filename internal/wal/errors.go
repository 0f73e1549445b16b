package wal

import "errors"

// ErrCorrupt marks a CRC mismatch found during replay. This is
// a fatal, surfaced-to-operator condition when it occurs anywhere but the
// torn tail of the log; a torn tail is a normal consequence of a crash
// mid-append and simply truncates replay.
var ErrCorrupt = errors.New("wal: corrupt record")

// ErrClosed is returned by Append once the writer has recorded a fatal
// I/O error and refuses further writes ("any I/O error on append
// is fatal to the component").
var ErrClosed = errors.New("wal: writer closed after fatal error")
