// Package monitoring holds the driver's diagnostic logging hook.
package monitoring

import (
	"fmt"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger used by the driver libraries.
// It defaults to log.Printf; SetLogger redirects or mutes it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Capture redirects Logf into memory until restore is called. lines returns
// the formatted messages logged so far.
func Capture() (lines func() []string, restore func()) {
	var mu sync.Mutex
	var captured []string
	original := Logf
	SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, fmt.Sprintf(format, v...))
	})
	lines = func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(captured))
		copy(out, captured)
		return out
	}
	restore = func() { Logf = original }
	return lines, restore
}
