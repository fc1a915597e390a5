package raftgcs

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// raftLogger adapts a zap.Logger to hclog.Logger so raft's internal
// logging runs through the same structured logger as the rest of the
// replicator, adapted from the control-plane's ZapRaftLogger for this
// package's GCS transport.
type raftLogger struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
}

// newRaftLogger builds an hclog.Logger backed by zapLogger, named for
// the GCS component using it (so multi-node test fixtures can tell
// nodes' raft chatter apart).
func newRaftLogger(zapLogger *zap.Logger, name string) *raftLogger {
	initialLevel := zap.InfoLevel
	if core := zapLogger.Core(); core.Enabled(zap.DebugLevel) {
		initialLevel = zap.DebugLevel
	}
	return &raftLogger{
		logger: zapLogger.Named(name),
		name:   name,
		level:  zap.NewAtomicLevelAt(initialLevel),
	}
}

func (z *raftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.log(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		z.log(zap.WarnLevel, msg, args...)
	case hclog.Error:
		z.log(zap.ErrorLevel, msg, args...)
	default:
		z.log(zap.InfoLevel, msg, args...)
	}
}

func (z *raftLogger) Trace(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *raftLogger) Debug(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *raftLogger) Info(msg string, args ...interface{})  { z.log(zap.InfoLevel, msg, args...) }
func (z *raftLogger) Warn(msg string, args ...interface{})  { z.log(zap.WarnLevel, msg, args...) }
func (z *raftLogger) Error(msg string, args ...interface{}) { z.log(zap.ErrorLevel, msg, args...) }

// log filters raft's extremely chatty "tx closed"/"tx cancelled"
// transport noise (present at any level raft picks, not just debug)
// before handing off to zap.
func (z *raftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	if strings.Contains(msg, "tx closed") || strings.Contains(msg, "tx cancelled") {
		return
	}
	if !z.level.Enabled(level) {
		return
	}
	fields := z.argsToZapFields(args...)
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (z *raftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *raftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *raftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *raftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *raftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *raftLogger) With(args ...interface{}) hclog.Logger {
	return &raftLogger{logger: z.logger.With(z.argsToZapFields(args...)...), name: z.name, level: z.level}
}

func (z *raftLogger) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &raftLogger{logger: z.logger.Named(name), name: full, level: z.level}
}

func (z *raftLogger) ResetNamed(name string) hclog.Logger {
	return &raftLogger{logger: z.logger.Named(name), name: name, level: z.level}
}

func (z *raftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

func (z *raftLogger) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.level.SetLevel(zap.DebugLevel)
	case hclog.Warn:
		z.level.SetLevel(zap.WarnLevel)
	case hclog.Error:
		z.level.SetLevel(zap.ErrorLevel)
	default:
		z.level.SetLevel(zap.InfoLevel)
	}
}

func (z *raftLogger) ImpliedArgs() []interface{} { return nil }
func (z *raftLogger) Name() string               { return z.name }

func (z *raftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return zap.NewStdLog(z.logger)
}

func (z *raftLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return zap.NewStdLog(z.logger).Writer()
}

func (z *raftLogger) argsToZapFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("invalid_key_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
