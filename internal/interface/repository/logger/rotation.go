package logger

import (
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig はログローテーションの設定を表す.
type RotationConfig struct {
	MaxSize    int  // メガバイト単位の最大サイズ
	MaxAge     int  // ローテーション済みファイルを保持する日数
	MaxBackups int  // 保持する古いログファイルの最大数
	Compress   bool // ローテーション済みファイルをgzipで圧縮する
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MaxSize:    100, // 100MB
		MaxAge:     7,   // 7日
		MaxBackups: 5,
		Compress:   true,
	}
}

// newFileWriter はサイズでローテーションするファイル出力を作成.
// ファイルは最初の書き込みで開かれる.
func newFileWriter(directory, filename string, config *RotationConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	return &lumberjack.Logger{
		Filename:   filepath.Join(directory, filename),
		MaxSize:    config.MaxSize,
		MaxAge:     config.MaxAge,
		MaxBackups: config.MaxBackups,
		LocalTime:  true,
		Compress:   config.Compress,
	}, nil
}
