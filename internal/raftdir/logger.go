package raftdir

import "go.uber.org/zap"

// raftLogger adapts zap to the logger interface of the raft library.
type raftLogger struct {
	*zap.SugaredLogger
}

func newRaftLogger(log *zap.Logger) raftLogger {
	return raftLogger{log.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l raftLogger) Warning(args ...any)                 { l.Warn(args...) }
func (l raftLogger) Warningf(format string, args ...any) { l.Warnf(format, args...) }
