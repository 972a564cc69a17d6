// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 分级日志 - 各组件统一的 log(level, format, args...) 输出 (pterm 后端)
// =============================================================================
package logging

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pterm/pterm"
)

// 日志级别 (数值越大越详细)
const (
	LevelError = 0
	LevelInfo  = 1
	LevelDebug = 2
)

var initOnce sync.Once

func setup() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
	// 级别过滤由 Logger 自己完成
	pterm.DefaultLogger.Level = pterm.LogLevelTrace
}

// ParseLevel 解析日志级别字符串
func ParseLevel(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LevelName 返回级别名称
func LevelName(level int) string {
	switch level {
	case LevelError:
		return "error"
	case LevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// Logger 组件日志器
type Logger struct {
	component string
	level     int
}

// New 创建组件日志器
func New(component string, level int) *Logger {
	initOnce.Do(setup)
	return &Logger{component: component, level: level}
}

// Quiet 返回只输出错误的日志器
func Quiet() *Logger {
	return New("", LevelError)
}

// With 派生子组件日志器
func (l *Logger) With(sub string) *Logger {
	if l == nil {
		return nil
	}
	name := sub
	if l.component != "" {
		name = l.component + "/" + sub
	}
	return &Logger{component: name, level: l.level}
}

// Level 当前级别
func (l *Logger) Level() int {
	if l == nil {
		return LevelError
	}
	return l.level
}

// Enabled 判断级别是否输出
func (l *Logger) Enabled(level int) bool {
	return l != nil && level <= l.level
}

// Logf 按级别输出
func (l *Logger) Logf(level int, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		msg = "[" + l.component + "] " + msg
	}

	switch level {
	case LevelError:
		pterm.DefaultLogger.Error(msg)
	case LevelInfo:
		pterm.DefaultLogger.Info(msg)
	default:
		pterm.DefaultLogger.Debug(msg)
	}
}

// Errorf 错误日志
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Logf(LevelError, format, args...)
}

// Infof 信息日志
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Logf(LevelInfo, format, args...)
}

// Debugf 调试日志
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Logf(LevelDebug, format, args...)
}
