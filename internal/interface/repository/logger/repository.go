package logger

import (
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"offlinecache/internal/domain"
)

// Options はロガーの設定を表す.
type Options struct {
	Directory string
	Filename  string
	Level     string
	// Console が true の場合は標準出力にも書き込む.
	Console  bool
	Rotation *RotationConfig
}

// Repository はロガーのリポジトリ実装.
type Repository struct {
	log    *zap.Logger
	writer *lumberjack.Logger
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
func New(opts Options) (*Repository, error) {
	if opts.Rotation == nil {
		opts.Rotation = DefaultRotationConfig()
	}

	writer, err := newFileWriter(opts.Directory, opts.Filename, opts.Rotation)
	if err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		if parsed, err := zapcore.ParseLevel(opts.Level); err == nil {
			level.SetLevel(parsed)
		}
	}

	encoder := zapcore.NewJSONEncoder(encoderConfig())
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(writer), level)}
	if opts.Console {
		cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.Lock(os.Stdout), level))
	}

	return &Repository{
		log:    zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)),
		writer: writer,
	}, nil
}

// FromZap は既存のzap.Loggerを包む. ファイルへの書き込みは行わない.
func FromZap(log *zap.Logger) *Repository {
	return &Repository{log: log.WithOptions(zap.AddCallerSkip(1))}
}

func encoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()
	config.TimeKey = "timestamp"
	config.CallerKey = "caller"
	config.StacktraceKey = "stacktrace"
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	return config
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.log.Debug(msg, toZapFields(fields)...)
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.log.Info(msg, toZapFields(fields)...)
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.log.Warn(msg, toZapFields(fields)...)
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(msg string, err error, fields map[string]interface{}) {
	zf := toZapFields(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	r.log.Error(msg, zf...)
}

// Zap は内部のzap.Loggerを返す.
func (r *Repository) Zap() *zap.Logger {
	return r.log
}

// Rotate は現在のログファイルを退避し、新しいファイルに書き込みを切り替える.
// ファイルに書き込まないロガーでは何もしない.
func (r *Repository) Rotate() error {
	if r.writer == nil {
		return nil
	}
	return r.writer.Rotate()
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	_ = r.log.Sync()
	if r.writer == nil {
		return nil
	}
	return r.writer.Close()
}

// toZapFields はフィールドをキー順にzap.Fieldへ変換.
func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}
