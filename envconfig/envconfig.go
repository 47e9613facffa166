// Package envconfig reads runtime tuning and debug flags from the process
// environment. It mirrors the small getter-function style used throughout
// the runtime: each exported function closes over a key and returns the
// current value, so call sites read like configuration rather than
// os.Getenv plumbing.
package envconfig

import (
	"os"
	"strconv"
	"strings"
)

// Var returns the trimmed value of an environment variable, stripping any
// surrounding quotes a user may have added in a shell profile.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// BoolWithDefault returns a getter for a boolean environment variable that
// falls back to defaultValue when unset. An unparsable non-empty value is
// treated as true, matching the "just set it" convention used by debug
// switches.
func BoolWithDefault(key string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(key); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter for a boolean environment variable defaulting to false.
func Bool(key string) func() bool {
	withDefault := BoolWithDefault(key)
	return func() bool {
		return withDefault(false)
	}
}

// Uint returns a getter for an unsigned integer environment variable,
// falling back to defaultValue when unset or unparsable.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err == nil {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// DebugCommandStream enables a debug log line per commit in the command
// stream (command buffer id and instruction count; no timing is recorded)
// and Device.DumpQueue.
var DebugCommandStream = Bool("DEBUG_COMMAND_STREAM")

// DebugAllocator enables allocator pool/heap logging.
var DebugAllocator = Bool("DEBUG_PLUGGABLE_DEVICE_ALLOCATOR")

// DebugRefCounting enables per-handle reference count logging.
var DebugRefCounting = Bool("DEBUG_PLUGGABLE_DEVICE_REFERENCE_COUNTING")

// MaxBatch overrides the command stream's default batch-size tuning knob. It
// exists so integration tests and operators can shrink the batch without
// recompiling.
var MaxBatch = Uint("TENSORCORE_MAX_BATCH", 128)

// SmallBatch is the SMALL_BATCH tuning knob spec §4.3 requires every
// implementation expose. The documented flush heuristic itself only
// branches on MAX_BATCH and the committed/scheduled/completed counters;
// this value is reserved for a future batch-size scheduler (spec §9
// explicitly steers away from a learned one for now).
var SmallBatch = Uint("TENSORCORE_SMALL_BATCH", 16)

// AsMap returns every recognized environment variable and its current
// value, keyed by name, for diagnostic dumps.
func AsMap() map[string]any {
	return map[string]any{
		"DEBUG_COMMAND_STREAM":                  DebugCommandStream(),
		"DEBUG_PLUGGABLE_DEVICE_ALLOCATOR":      DebugAllocator(),
		"DEBUG_PLUGGABLE_DEVICE_REFERENCE_COUNTING": DebugRefCounting(),
		"TENSORCORE_MAX_BATCH":                  MaxBatch(),
		"TENSORCORE_SMALL_BATCH":                SmallBatch(),
	}
}
