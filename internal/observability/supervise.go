package observability

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a goroutine. A panic is logged and does not crash the process.
func Go(l *slog.Logger, name string, fn func()) {
	go func() {
		defer Recover(l, name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be deferred directly.
func Recover(l *slog.Logger, name string) {
	if r := recover(); r != nil {
		if l == nil {
			l = logger
		}
		l.Error("goroutine panicked",
			"goroutine", name,
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()))
	}
}
