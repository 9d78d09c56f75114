package logging

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// DefaultErrorLogSize bounds how many entries an ErrorLog keeps.
const DefaultErrorLogSize = 1000

// Entry is one captured log line.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// ErrorLog keeps the most recent entries at or above a level in memory.
type ErrorLog struct {
	mu      sync.Mutex
	level   zapcore.Level
	limit   int
	entries []Entry
	dropped int
}

// NewErrorLog captures entries at level and above, keeping at most limit.
func NewErrorLog(level zapcore.Level, limit int) *ErrorLog {
	if limit <= 0 {
		limit = DefaultErrorLogSize
	}
	return &ErrorLog{level: level, limit: limit}
}

// Entries returns a copy of the captured entries, oldest first.
func (l *ErrorLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Dropped is how many entries were evicted to respect the limit.
func (l *ErrorLog) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *ErrorLog) add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.limit {
		l.entries = l.entries[1:]
		l.dropped++
	}
	l.entries = append(l.entries, e)
}

// Core returns a zapcore.Core that feeds this log.
func (l *ErrorLog) Core() zapcore.Core {
	return &errorLogCore{log: l}
}

type errorLogCore struct {
	log    *ErrorLog
	fields []zapcore.Field
}

func (c *errorLogCore) Enabled(lvl zapcore.Level) bool { return lvl >= c.log.level }

func (c *errorLogCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &errorLogCore{log: c.log, fields: merged}
}

func (c *errorLogCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *errorLogCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	e := Entry{Time: ent.Time, Level: ent.Level.String(), Message: ent.Message}
	if len(enc.Fields) > 0 {
		e.Fields = enc.Fields
	}
	c.log.add(e)
	return nil
}

func (c *errorLogCore) Sync() error { return nil }
