package pipetransport

import (
	"errors"
	"time"
)

// ErrTimeout marks a read or write that did not complete within its
// deadline. go-smb2's File has no native deadline support, so every timed
// operation here races the blocking call against a timer in a goroutine;
// on timeout the goroutine is abandoned and its result discarded when it
// eventually completes.
var ErrTimeout = errors.New("pipetransport: timeout")

type ioResult struct {
	n   int
	err error
}

// readWithTimeout performs a single Read, returning ErrTimeout if it does
// not complete within d.
func readWithTimeout(f PipeFile, buf []byte, d time.Duration) (int, error) {
	ch := make(chan ioResult, 1)
	go func() {
		n, err := f.Read(buf)
		ch <- ioResult{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-time.After(d):
		return 0, ErrTimeout
	}
}

// writeWithTimeout performs a single Write, returning ErrTimeout if it does
// not complete within d. A timed-out write may still land later; writeLoop
// treats the item as undelivered and puts it back at the head of its queue.
func writeWithTimeout(f PipeFile, buf []byte, d time.Duration) (int, error) {
	ch := make(chan ioResult, 1)
	go func() {
		n, err := f.Write(buf)
		ch <- ioResult{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-time.After(d):
		return 0, ErrTimeout
	}
}
