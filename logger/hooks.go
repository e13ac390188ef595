package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Frames from these packages never count as the call site.
var skippedCallers = []string{
	"sirupsen/logrus",
	"arbflow/logger.",
}

// callerHook rewrites entry.Caller to the first frame outside logrus and
// this package, so records written through Entry helpers and Limiter
// point at the component that logged them.
type callerHook struct{}

func (callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 32)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(4, pcs)])
	for {
		frame, more := frames.Next()
		if !skipped(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func skipped(fn string) bool {
	for _, prefix := range skippedCallers {
		if strings.Contains(fn, prefix) {
			return true
		}
	}
	return false
}

// countingHook feeds Counters with every warning and error that carries
// a component field.
type countingHook struct{}

func (countingHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (countingHook) Fire(entry *logrus.Entry) error {
	component, ok := entry.Data[componentKey].(string)
	if !ok || component == "" {
		return nil
	}
	if entry.Level == logrus.WarnLevel {
		recordWarn(component)
	} else {
		recordError(component)
	}
	return nil
}
