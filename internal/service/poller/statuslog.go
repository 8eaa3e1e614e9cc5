package poller

import "time"

// StatusLogSize is the number of status lines kept.
const StatusLogSize = 10

// statusLog keeps the most recent status lines, newest first.
// Not safe for concurrent use; guarded by the engine lock.
type statusLog struct {
	lines []string
}

func (l *statusLog) add(at time.Time, msg string) {
	line := "[" + at.Format("15:04:05") + "] " + msg
	l.lines = append([]string{line}, l.lines...)
	if len(l.lines) > StatusLogSize {
		l.lines = l.lines[:StatusLogSize]
	}
}

func (l *statusLog) snapshot() []string {
	return append([]string(nil), l.lines...)
}
