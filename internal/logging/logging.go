package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New 根据配置中的 log_level 创建日志器，输出到 stderr。
func New(level string) (*logrus.Logger, error) {
	return NewWithOutput(level, os.Stderr)
}

func NewWithOutput(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// ErrorHandler 将异步错误按 warn 级别记录，附带可识别的结构化字段。
func ErrorHandler(log logrus.FieldLogger, component string) func(error) {
	return func(err error) {
		if err == nil {
			return
		}
		log.WithField("component", component).WithFields(fieldsOf(err)).Warn(err.Error())
	}
}

// Fielder is implemented by errors that can attribute themselves.
type Fielder interface {
	Fields() logrus.Fields
}

func fieldsOf(err error) logrus.Fields {
	for e := err; e != nil; {
		if f, ok := e.(Fielder); ok {
			return f.Fields()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return logrus.Fields{}
}

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return logrus.InfoLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid log_level %q (want debug|info|warn|error)", level)
	}
}
