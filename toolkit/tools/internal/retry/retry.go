// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package retry

import (
	"context"
	"time"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

// Run calls fn up to attempts times, sleeping sleep between failed attempts.
// The last error is returned.
func Run(fn func() error, attempts int, sleep time.Duration) (err error) {
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if i < attempts-1 {
			logger.Log.Debugf("Attempt %d/%d failed: %v", i+1, attempts, err)
			time.Sleep(sleep)
		}
	}

	return err
}

// RunWithExpBackoff calls fn up to attempts times. The delay starts at sleep and is multiplied by
// factor after each failure. Returns whether the context was cancelled along with the last error.
func RunWithExpBackoff(ctx context.Context, fn func() error, attempts int, sleep time.Duration, factor float64,
) (cancelled bool, err error) {
	delay := sleep
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return false, nil
		}

		if i == attempts-1 {
			break
		}

		logger.Log.Debugf("Attempt %d/%d failed, retrying in %s: %v", i+1, attempts, delay, err)

		select {
		case <-ctx.Done():
			return true, err
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * factor)
	}

	return false, err
}
