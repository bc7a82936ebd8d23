package pipeline

import (
	"errors"
	"fmt"
	"log"
	"syscall"
	"time"
)

// CorruptInputError marks a file the decoder rejected. The record goes to
// error and the lane moves on to the next file.
type CorruptInputError struct {
	Path string
	Err  error
}

func (e *CorruptInputError) Error() string {
	return fmt.Sprintf("corrupt input %s: %v", e.Path, e.Err)
}

func (e *CorruptInputError) Unwrap() error {
	return e.Err
}

// isResourceExhaustion detects conditions where continuing would only
// produce more failures: disk full, out of file descriptors
func isResourceExhaustion(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

const (
	ioRetryAttempts = 3
	ioRetryInitial  = 500 * time.Millisecond
)

// withRetry runs op up to attempts times, doubling the delay between
// tries. Transient filesystem hiccups (NAS mounts dropping mid-move)
// usually clear within a retry or two; resource exhaustion never does,
// so it aborts immediately.
func withRetry(attempts int, initial time.Duration, op func() error) error {
	delay := initial
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil || isResourceExhaustion(err) {
			return err
		}
		if i < attempts-1 {
			log.Printf("pipeline: attempt %d/%d failed, retrying in %s: %v", i+1, attempts, delay, err)
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
