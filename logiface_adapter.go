package fiber

import (
	"time"

	"github.com/joeycumines/logiface"
)

// bridgeEvent is the minimal logiface.Event implementation needed to bridge
// into this package's own Logger (logging.go): it just accumulates the
// level, message, error and fields a Builder chain produces, then hands
// them to the wrapped Logger as a single LogEntry. Structured sinks (JSON,
// zerolog-style encoders, etc.) are logiface's concern, not this adapter's
// — this module has no opinion on wire format, only on where the record
// ends up.
type bridgeEvent struct {
	logiface.UnimplementedEvent
	level   logiface.Level
	message string
	err     error
	fields  map[string]interface{}
}

func (e *bridgeEvent) Level() logiface.Level { return e.level }

func (e *bridgeEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]interface{}, 4)
	}
	e.fields[key] = val
}

func (e *bridgeEvent) AddMessage(msg string) bool {
	e.message = msg
	return true
}

func (e *bridgeEvent) AddError(err error) bool {
	e.err = err
	return true
}

func (e *bridgeEvent) AddString(key string, val string) bool {
	e.AddField(key, val)
	return true
}

func (e *bridgeEvent) AddInt(key string, val int) bool {
	e.AddField(key, val)
	return true
}

// logifaceLevel maps this module's LogLevel onto logiface's syslog-derived
// Level scale, per spec.md §6's "Logger (external)" external interface.
func logifaceLevel(l LogLevel) logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// levelFromLogiface is the inverse of logifaceLevel, used by
// NewLogifaceWriter so a logiface.Logger driven by non-adapter callers
// (e.g. a caller building Builder chains directly against the returned
// *logiface.Logger[logiface.Event]) still lands in this module's LogEntry
// taxonomy (LevelDebug..LevelError).
func levelFromLogiface(l logiface.Level) LogLevel {
	switch {
	case l <= logiface.LevelError:
		return LevelError
	case l <= logiface.LevelWarning:
		return LevelWarn
	case l <= logiface.LevelInformational:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// NewLogifaceWriter adapts sink, this module's own Logger, into a
// logiface.Writer[logiface.Event], so a *logiface.Logger[logiface.Event]
// constructed with it delivers every Builder chain's output into sink's
// Log method. Records flow from a logiface pipeline into this module's own
// Logger; LoggerFromLogiface covers the opposite direction.
func NewLogifaceWriter(sink Logger) logiface.Writer[logiface.Event] {
	return logiface.NewWriterFunc(func(event logiface.Event) error {
		be, ok := event.(*bridgeEvent)
		if !ok {
			// a caller built their own Event implementation; fall back to
			// the fields logiface guarantees are always readable.
			sink.Log(LogEntry{
				Level:     levelFromLogiface(event.Level()),
				Timestamp: time.Now(),
			})
			return nil
		}
		sink.Log(LogEntry{
			Level:     levelFromLogiface(be.level),
			Message:   be.message,
			Err:       be.err,
			Context:   be.fields,
			Timestamp: time.Now(),
		})
		return nil
	})
}

// NewLogifaceLogger builds a *logiface.Logger[logiface.Event] whose output
// is routed into sink. Callers that already depend on
// github.com/joeycumines/logiface for their own structured logging can use
// this to share a single sink across their application and this module's
// Scheduler/Fiber/TimerManager/IOManager logging (wired via WithLogger
// adapting the other direction — see LoggerFromLogiface).
func NewLogifaceLogger(sink Logger) *logiface.Logger[logiface.Event] {
	return logiface.New[logiface.Event](
		logiface.WithEventFactory(logiface.NewEventFactoryFunc(func(level logiface.Level) logiface.Event {
			return &bridgeEvent{level: level}
		})),
		logiface.WithWriter(NewLogifaceWriter(sink)),
	)
}

// logifaceLoggerAdapter implements this module's Logger interface on top
// of a *logiface.Logger[logiface.Event], so Scheduler/Fiber/TimerManager/
// IOManager state transitions (logged via this module's own LogEntry
// shape) can be routed through an existing logiface pipeline instead of
// DefaultLogger.
type logifaceLoggerAdapter struct {
	logger *logiface.Logger[logiface.Event]
}

// LoggerFromLogiface wraps an existing *logiface.Logger[logiface.Event] (or
// one narrowed via (*logiface.Logger[E]).Logger()) so it can be installed
// with SetStructuredLogger or WithLogger.
func LoggerFromLogiface(logger *logiface.Logger[logiface.Event]) Logger {
	return &logifaceLoggerAdapter{logger: logger}
}

func (a *logifaceLoggerAdapter) IsEnabled(level LogLevel) bool {
	return a.logger.Level().Enabled(logifaceLevel(level))
}

func (a *logifaceLoggerAdapter) Log(entry LogEntry) {
	b := a.logger.Build(logifaceLevel(entry.Level))
	if b == nil {
		return
	}
	if entry.Category != "" {
		b = b.Str("category", entry.Category)
	}
	if entry.SchedulerID != "" {
		b = b.Str("scheduler_id", entry.SchedulerID)
	}
	if entry.TaskID != 0 {
		b = b.Int64("task_id", entry.TaskID)
	}
	if entry.TimerID != 0 {
		b = b.Int64("timer_id", entry.TimerID)
	}
	for k, v := range entry.Context {
		b = b.Field(k, v)
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}
