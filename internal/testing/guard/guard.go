// Package guard flips the application into test mode when imported.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("SISADMIN_TEST_MODE") == "" {
			_ = os.Setenv("SISADMIN_TEST_MODE", "1")
		}
	})
}
