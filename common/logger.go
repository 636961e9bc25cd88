// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"runtime"

	"github.com/JeffreyRichter/enum/enum"
	"github.com/google/uuid"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type LogLevel uint8

const (
	// LogNone tells a logger not to log any entries passed to it.
	LogNone LogLevel = iota

	// LogFatal tells a logger to log all LogFatal entries passed to it.
	LogFatal

	// LogPanic tells a logger to log all LogPanic and LogFatal entries passed to it.
	LogPanic

	// LogError tells a logger to log all LogError, LogPanic and LogFatal entries passed to it.
	LogError

	// LogWarning tells a logger to log all LogWarning, LogError, LogPanic and LogFatal entries passed to it.
	LogWarning

	// LogInfo tells a logger to log all LogInfo, LogWarning, LogError, LogPanic and LogFatal entries passed to it.
	LogInfo

	// LogDebug tells a logger to log all LogDebug, LogInfo, LogWarning, LogError, LogPanic and LogFatal entries passed to it.
	LogDebug
)

var ELogLevel = LogLevel(LogNone)

func (LogLevel) None() LogLevel    { return LogLevel(LogNone) }
func (LogLevel) Fatal() LogLevel   { return LogLevel(LogFatal) }
func (LogLevel) Panic() LogLevel   { return LogLevel(LogPanic) }
func (LogLevel) Error() LogLevel   { return LogLevel(LogError) }
func (LogLevel) Warning() LogLevel { return LogLevel(LogWarning) }
func (LogLevel) Info() LogLevel    { return LogLevel(LogInfo) }
func (LogLevel) Debug() LogLevel   { return LogLevel(LogDebug) }

func (ll *LogLevel) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(ll), s, true, true)
	if err == nil {
		*ll = val.(LogLevel)
	}
	return err
}

func (ll LogLevel) String() string {
	switch ll {
	case ELogLevel.None():
		return "NONE"
	case ELogLevel.Fatal():
		return "FATAL"
	case ELogLevel.Panic():
		return "PANIC"
	case ELogLevel.Error():
		return "ERR"
	case ELogLevel.Warning():
		return "WARN"
	case ELogLevel.Info():
		return "INFO"
	case ELogLevel.Debug():
		return "DBG"
	default:
		return enum.StringInt(ll, reflect.TypeOf(ll))
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type ILogger interface {
	ShouldLog(level LogLevel) bool
	Log(level LogLevel, msg string)
	Panic(err error)
}

type ILoggerCloser interface {
	ILogger
	CloseLog()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// taskLogger is the per-reduce-task logger. One is opened per reader (or per
// CLI invocation); the task ID prefixes every line so interleaved tasks can be
// separated in a shared log.
type taskLogger struct {
	taskID            uuid.UUID
	minimumLevelToLog LogLevel
	writer            io.WriteCloser
	logger            *log.Logger
}

func NewTaskLogger(minimumLevelToLog LogLevel, writer io.WriteCloser) ILoggerCloser {
	tl := &taskLogger{
		taskID:            uuid.New(),
		minimumLevelToLog: minimumLevelToLog,
		writer:            writer,
	}
	tl.logger = log.New(writer, tl.taskID.String()[:8]+" ", log.LstdFlags|log.LUTC)
	tl.logger.Println("ShuffleClientVersion ", ShuffleClientVersion)
	tl.logger.Println("OS-Environment ", runtime.GOOS)
	tl.logger.Println("OS-Architecture ", runtime.GOARCH)
	return tl
}

// NewStderrLogger logs to standard error without closing it.
func NewStderrLogger(minimumLevelToLog LogLevel) ILoggerCloser {
	return NewTaskLogger(minimumLevelToLog, nopWriteCloser{os.Stderr})
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (tl *taskLogger) ShouldLog(level LogLevel) bool {
	if level == LogNone {
		return false
	}
	return level <= tl.minimumLevelToLog
}

func (tl *taskLogger) Log(level LogLevel, msg string) {
	if !tl.ShouldLog(level) {
		return
	}
	prefix := ""
	if level <= LogWarning {
		prefix = fmt.Sprintf("%s: ", level) // so readers can find serious ones, but information ones still look uncluttered without INFO:
	}
	tl.logger.Println(prefix + msg)
}

func (tl *taskLogger) Panic(err error) {
	tl.logger.Println(err) // log first so the cause is on record before the panic unwinds
	panic(err)
}

func (tl *taskLogger) CloseLog() {
	if tl.minimumLevelToLog == LogNone {
		return
	}
	tl.logger.Println("Closing Log")
	_ = tl.writer.Close() // If it was already closed, that's alright. We wanted to close it, anyway.
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// NopLogger swallows everything. Handy default when a caller does not care.
type NopLogger struct{}

func (NopLogger) ShouldLog(LogLevel) bool  { return false }
func (NopLogger) Log(LogLevel, string)     {}
func (NopLogger) Panic(err error)          { panic(err) }
