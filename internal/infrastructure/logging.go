package infrastructure

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SetupLogging builds the application logger, writing structured
// output to both the console and a timestamped file under logDir.
// The returned close function flushes and closes the log file.
func SetupLogging(logDir, level string) (*zap.Logger, func(), error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("ransomguard_%s.log", time.Now().Format("20060102_150405")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	zapLevel := ParseLevel(level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stdout), zapLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(logFile), zapLevel),
	)

	logger := zap.New(core, zap.AddCaller())
	closer := func() {
		_ = logger.Sync()
		_ = logFile.Close()
	}
	return logger, closer, nil
}

// ParseLevel maps a config logging level onto a zap level.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warning", "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// CleanupOldLogs removes log files under logDir older than maxAge.
func CleanupOldLogs(logDir string, maxAge time.Duration, log *zap.Logger) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(logDir, entry.Name())); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		log.Info("removed old log files", zap.Int("count", removed), zap.Duration("max_age", maxAge))
	}
	return nil
}
