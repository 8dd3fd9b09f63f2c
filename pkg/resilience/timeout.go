// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"time"

	"github.com/jllopis/fabrica/pkg/errors"
)

// WithTimeout executes fn with a timeout boundary. A zero duration means no
// limit. On expiry the caller gets a TIMEOUT error and stops waiting, but the
// goroutine running fn is not cancelled: work already dispatched to a remote
// provider cannot be recalled.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d == 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	case err := <-done:
		return err
	}
}
