package app

import (
	"os"
	"strconv"
	"sync/atomic"
)

const testModeEnv = "SISADMIN_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether binaries should return before opening
// connections. It is set by SISADMIN_TEST_MODE.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads SISADMIN_TEST_MODE and returns the new value.
func RefreshTestMode() bool {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testMode.Store(&on)
	return on
}
