// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	BuildIDKey ContextKey = "build_id"
	GateIDKey  ContextKey = "gate_id"
	PlanIDKey  ContextKey = "plan_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := []any{slog.String("component", l.component)}

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if buildID, ok := ctx.Value(BuildIDKey).(string); ok && buildID != "" {
		attrs = append(attrs, slog.String("build_id", buildID))
	}
	if gateID, ok := ctx.Value(GateIDKey).(string); ok && gateID != "" {
		attrs = append(attrs, slog.String("gate_id", gateID))
	}
	if planID, ok := ctx.Value(PlanIDKey).(string); ok && planID != "" {
		attrs = append(attrs, slog.String("plan_id", planID))
	}

	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithBuildID 添加 Build ID
func (l *Logger) WithBuildID(buildID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("build_id", buildID)),
		component: l.component,
	}
}

// WithGateID 添加质量门 ID
func (l *Logger) WithGateID(gateID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("gate_id", gateID)),
		component: l.component,
	}
}

// WithPlanID 添加回滚计划 ID
func (l *Logger) WithPlanID(planID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("plan_id", planID)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
	}
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}

// EventLog 事件追加日志
func (l *Logger) EventLog(buildID, eventType string, version int64, extra ...any) {
	attrs := []any{
		slog.String("build_id", buildID),
		slog.String("type", eventType),
		slog.Int64("version", version),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Event appended", attrs...)
}

// GateLog 质量门评估日志
func (l *Logger) GateLog(buildID, gateID, phase, status string, score float64) {
	l.Logger.Info("Gate evaluated",
		slog.String("build_id", buildID),
		slog.String("gate_id", gateID),
		slog.String("phase", phase),
		slog.String("status", status),
		slog.Float64("overall_score", score),
	)
}

// RollbackLog 回滚执行日志
func (l *Logger) RollbackLog(buildID, planID, status string, err error) {
	attrs := []any{
		slog.String("build_id", buildID),
		slog.String("plan_id", planID),
		slog.String("status", status),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("Rollback failed", attrs...)
	} else {
		l.Logger.Info("Rollback state change", attrs...)
	}
}
