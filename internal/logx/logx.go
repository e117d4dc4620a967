// Package logx builds the server's *slog.Logger on top of a zap core.
// Handlers, call sites, and options throughout server/ stay slog-shaped;
// only the encoding and output path underneath is zap's.
package logx

import (
	"context"
	"io"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the zap core backing the returned slog.Logger.
type Config struct {
	// Level is the minimum level that gets logged.
	Level slog.Level

	// JSON selects zap's JSON encoder; otherwise the console encoder is
	// used (timestamped, human-readable, suited to a foreground ftpd).
	JSON bool

	// Output is where encoded log lines are written. Defaults to
	// io.Discard when nil; callers typically pass os.Stderr.
	Output io.Writer
}

// New builds an slog.Logger backed by a zap core constructed from cfg.
func New(cfg Config) *slog.Logger {
	return slog.New(newHandler(cfg))
}

func newCore(cfg Config) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	out := cfg.Output
	if out == nil {
		out = io.Discard
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(out), zapLevel(cfg.Level))
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l < slog.LevelInfo:
		return zapcore.DebugLevel
	case l < slog.LevelWarn:
		return zapcore.InfoLevel
	case l < slog.LevelError:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// handler is a minimal slog.Handler that encodes through a zap core,
// so every server/ log call site keeps using the standard slog API while
// the bytes on the wire are produced by zap's encoders.
type handler struct {
	core zapcore.Core
	base zapcore.Core // retained for WithGroup prefixing
	attrs []zap.Field
	group string
}

func newHandler(cfg Config) *handler {
	core := newCore(cfg)
	return &handler{core: core, base: core}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return h.core.Enabled(toZapLevel(level))
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zapcore.Field, 0, r.NumAttrs()+len(h.attrs))
	fields = append(fields, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, slogAttrToZap(h.group, a))
		return true
	})
	ent := zapcore.Entry{
		Level:   toZapLevel(r.Level),
		Time:    r.Time,
		Message: r.Message,
	}
	if ce := h.core.Check(ent, nil); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]zap.Field, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next, h.attrs)
	for _, a := range attrs {
		next = append(next, slogAttrToZap(h.group, a))
	}
	return &handler{core: h.core, base: h.base, attrs: next, group: h.group}
}

func (h *handler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &handler{core: h.core, base: h.base, attrs: h.attrs, group: group}
}

func slogAttrToZap(group string, a slog.Attr) zap.Field {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return zap.String(key, v.String())
	case slog.KindInt64:
		return zap.Int64(key, v.Int64())
	case slog.KindUint64:
		return zap.Uint64(key, v.Uint64())
	case slog.KindFloat64:
		return zap.Float64(key, v.Float64())
	case slog.KindBool:
		return zap.Bool(key, v.Bool())
	case slog.KindDuration:
		return zap.Duration(key, v.Duration())
	case slog.KindTime:
		return zap.Time(key, v.Time())
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return zap.NamedError(key, err)
		}
		return zap.Any(key, v.Any())
	default:
		return zap.Any(key, v.Any())
	}
}

func toZapLevel(l slog.Level) zapcore.Level {
	return zapLevel(l)
}
