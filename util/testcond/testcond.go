package testcond

import (
	"fmt"
	"time"
)

// WaitForCondition polls eval until it returns true or the timeout
// elapses. Convergence assertions in tests go through this instead of
// bare sleeps.
func WaitForCondition(eval func() bool, interval time.Duration, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if eval() {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for condition")
		}

		time.Sleep(interval)
	}
}
