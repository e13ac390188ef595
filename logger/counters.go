package logger

import (
	"sync"
	"sync/atomic"
)

type levelCounts struct {
	warns  atomic.Int64
	errors atomic.Int64
}

// ComponentCounts is a snapshot of warnings and errors logged by one component.
type ComponentCounts struct {
	Warns  int64 `json:"warns"`
	Errors int64 `json:"errors"`
}

var components sync.Map // map[string]*levelCounts

func countsFor(component string) *levelCounts {
	v, _ := components.LoadOrStore(component, &levelCounts{})
	return v.(*levelCounts)
}

func recordWarn(component string) {
	countsFor(component).warns.Add(1)
}

func recordError(component string) {
	countsFor(component).errors.Add(1)
}

// Counters returns warn/error totals per component since start.
func Counters() map[string]ComponentCounts {
	out := make(map[string]ComponentCounts)
	components.Range(func(k, v any) bool {
		c := v.(*levelCounts)
		out[k.(string)] = ComponentCounts{Warns: c.warns.Load(), Errors: c.errors.Load()}
		return true
	})
	return out
}
