package logging

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook rewrites logrus's reported caller to the first frame outside
// of logrus and this package, so log lines point at the real call site
// instead of a WithComponent/WithFields wrapper.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !more {
			break
		}
		if strings.Contains(frame.Function, "sirupsen/logrus") || strings.Contains(frame.Function, "depthfeed/internal/logging") {
			continue
		}
		entry.Caller = &frame
		break
	}
	return nil
}
