package rpc

import (
	"time"
)

// Retry runs fn up to attempts times, sleeping delay between failures.
// It returns nil on the first success, otherwise the last error.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return err
}
