package pion

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// LoggerFactory routes pion's internal logs into zerolog. pion's info
// level is chatty, so everything below warn is logged at debug.
type LoggerFactory struct {
	Logger zerolog.Logger
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{l: f.Logger.With().Str("component", "pion").Str("scope", scope).Logger()}
}

type scopedLogger struct {
	l zerolog.Logger
}

func (s scopedLogger) Trace(msg string) { s.l.Trace().Msg(msg) }
func (s scopedLogger) Tracef(format string, args ...interface{}) {
	s.l.Trace().Msg(fmt.Sprintf(format, args...))
}
func (s scopedLogger) Debug(msg string) { s.l.Debug().Msg(msg) }
func (s scopedLogger) Debugf(format string, args ...interface{}) {
	s.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (s scopedLogger) Info(msg string) { s.l.Debug().Msg(msg) }
func (s scopedLogger) Infof(format string, args ...interface{}) {
	s.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (s scopedLogger) Warn(msg string) { s.l.Warn().Msg(msg) }
func (s scopedLogger) Warnf(format string, args ...interface{}) {
	s.l.Warn().Msg(fmt.Sprintf(format, args...))
}
func (s scopedLogger) Error(msg string) { s.l.Error().Msg(msg) }
func (s scopedLogger) Errorf(format string, args ...interface{}) {
	s.l.Error().Msg(fmt.Sprintf(format, args...))
}
