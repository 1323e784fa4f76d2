// Package testing switches binaries and config loading into test mode when
// imported for side effects.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("STOCKLINE_TEST_MODE", "1")
		if os.Getenv("ALLOCATOR_URL") == "" {
			_ = os.Setenv("ALLOCATOR_URL", "http://127.0.0.1:0")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
