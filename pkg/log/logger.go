// Package log 网关的全局日志，基于logrus
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	easy "github.com/t-tomalak/logrus-easy-formatter"

	"moff.io/wallet-gateway/pkg/log/meta"
)

const (
	timestampFormat = "01-02 15:04:05.000"
	logFormat       = "[%lvl%]   [%time%]   -   %msg%\r\n"
)

var logger = newLogger(os.Stderr)

func newLogger(out io.Writer) *logrus.Logger {
	return &logrus.Logger{
		Out:   out,
		Level: logrus.InfoLevel,
		Hooks: make(logrus.LevelHooks),
		Formatter: &easy.Formatter{
			TimestampFormat: timestampFormat,
			LogFormat:       logFormat,
		},
		ExitFunc: os.Exit,
	}
}

// SetLevelName 按名称设置日志级别: debug, info, warn, error
// 无法识别时使用info
func SetLevelName(name string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil || lvl > logrus.DebugLevel || lvl < logrus.ErrorLevel {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	Infof("log level set to %v.", strings.ToUpper(lvl.String()))
}

func Level() logrus.Level {
	return logger.GetLevel()
}

// SetOutput 重定向日志输出
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// withMeta 在消息前追加请求元信息，格式为 [k=v k=v]
func withMeta(ctx context.Context, msg string) string {
	fields := meta.Fields(ctx)
	if len(fields) == 0 {
		return msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('[')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, fields[k])
	}
	b.WriteString("] ")
	b.WriteString(msg)
	return b.String()
}

func Debug(content interface{}) {
	logger.Debug(content)
}

func Debugf(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func Info(content interface{}) {
	logger.Info(content)
}

func Infof(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

func Warn(content interface{}) {
	logger.Warn(content)
}

func Warnf(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

// WarnCtxf 带请求元信息的警告日志
func WarnCtxf(ctx context.Context, format string, args ...interface{}) {
	logger.Warn(withMeta(ctx, fmt.Sprintf(format, args...)))
}

func Error(content interface{}) {
	logger.Error(content)
}

func Errorf(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}

func Fatal(content interface{}) {
	logger.Fatal(content)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatal(fmt.Sprintf(format, args...))
}
