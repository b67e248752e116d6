package util

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned by Poll when every attempt came back not ready.
var ErrExhausted = errors.New("attempts exhausted")

func Retry(ctx context.Context, max int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt <= max; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == max {
			break
		}
		wait := backoff * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// Poll calls fn up to attempts times with a fixed interval between calls. It
// stops early when fn reports done or returns an error. The wait between
// calls is abandoned as soon as ctx is done.
func Poll(ctx context.Context, attempts int, interval time.Duration, fn func(ctx context.Context) (bool, error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrExhausted
}
