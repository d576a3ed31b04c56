// Package logging builds the zap logger shared by every component and
// carries owner and goal correlation through context.
package logging

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string
	Format string
}

// New builds a JSON (default) or console logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller()), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

type ownerCtxKey struct{}
type goalCtxKey struct{}

func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, owner)
}

func WithGoal(ctx context.Context, goalID string) context.Context {
	return context.WithValue(ctx, goalCtxKey{}, goalID)
}

// Fields extracts correlation fields from ctx.
func Fields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if owner, ok := ctx.Value(ownerCtxKey{}).(string); ok && owner != "" {
		fields = append(fields, zap.String("owner", owner))
	}
	if goal, ok := ctx.Value(goalCtxKey{}).(string); ok && goal != "" {
		fields = append(fields, zap.String("goal_id", goal))
	}
	return fields
}

// With appends the context correlation fields to fields.
func With(ctx context.Context, fields ...zap.Field) []zap.Field {
	return append(Fields(ctx), fields...)
}
