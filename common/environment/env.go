// Package environment provides helpers for reading environment overrides and
// for detecting the execution environment (interactive shell vs. service
// manager).
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// BoolOr parses the named environment variable as a boolean. Recognized values
// are the same as strconv.ParseBool ("1", "t", "true", "0", "f", "false", etc.).
// Returns defaultValue if the variable is unset, empty, or cannot be parsed.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// RunningUnderServiceManager reports whether the process was started by a
// service manager rather than an interactive shell. systemd sets
// INVOCATION_ID for every unit it spawns; as a fallback the parent process
// comm name is compared against the systemd binary name. The result only
// affects whether interactive progress output is shown during reconnect
// waits.
func RunningUnderServiceManager() bool {
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", os.Getppid()))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(comm)) == "systemd"
}
