package updater

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// RunLog accumulates a human-readable trace of an update, one line per step.
// It is meant to be attached to bug reports.
type RunLog struct {
	mu sync.Mutex
	b  strings.Builder
}

// Add appends msg followed by fields in key order.
func (l *RunLog) Add(msg string, fields logrus.Fields) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&l.b, " %s=%v", k, fields[k])
	}
	l.b.WriteByte('\n')
}

// String returns every line added so far.
func (l *RunLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// Reset empties the log.
func (l *RunLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.Reset()
}
