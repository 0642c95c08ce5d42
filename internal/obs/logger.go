package obs

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	// NoSampling keeps every entry. Production logging samples repeats by default.
	NoSampling bool   `mapstructure:"no_sampling"`
	App        string `mapstructure:"app"`
	Env        string `mapstructure:"env"`
	Ver        string `mapstructure:"version"`
}

// NewLogger builds a production JSON logger, or a console logger when
// Pretty is set, and installs it as the zap global. An unknown level falls
// back to info.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if c.Pretty {
		cfg = zap.NewDevelopmentConfig()
	}
	if c.NoSampling {
		cfg.Sampling = nil
	}

	level := zapcore.InfoLevel
	if c.Level != "" {
		if lv, err := zapcore.ParseLevel(c.Level); err == nil {
			level = lv
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	fields := []zap.Field{zap.String("service", c.App)}
	if c.Env != "" {
		fields = append(fields, zap.String("env", c.Env))
	}
	if c.Ver != "" {
		fields = append(fields, zap.String("version", c.Ver))
	}
	l, err := cfg.Build(zap.Fields(fields...))
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)
	return l, nil
}

func Component(l *zap.Logger, name string) *zap.Logger {
	return l.With(zap.String("component", name))
}

// WithTrace tags log with the trace and span ids carried by ctx.
func WithTrace(ctx context.Context, log *zap.Logger) *zap.Logger {
	if log == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return log
	}
	return log.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
