package logging_helper

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"squareoff/go_src/configuration"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultRotationSizeMB = 2
	defaultMaxBackups     = 30
	timestampFormat       = "2006-01-02 15:04:05.000"
)

// SetupLogging configures the global logrus logger: level and format from
// config, output rotated by lumberjack under <file_path>/<appName>/ and
// optionally mirrored to stdout.
func SetupLogging(config *configuration.Config, appName string) error {
	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if appName == "" {
		return fmt.Errorf("appName cannot be empty")
	}

	logConfig := config.Logging

	logrus.SetFormatter(newFormatter(logConfig.Format))

	level, errLevel := logrus.ParseLevel(strings.ToLower(logConfig.Level))
	if errLevel != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if logConfig.FilePath == "" {
		err := fmt.Errorf("log_path (config.Logging.FilePath) is not configured")
		logrus.Error(err.Error())
		return err
	}
	logDir := filepath.Join(logConfig.FilePath, appName)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		err = fmt.Errorf("failed to create log directory '%s': %w", logDir, err)
		logrus.Error(err.Error())
		return err
	}
	logFile := filepath.Join(logDir, appName+".log")

	rotationSize := logConfig.RotationSize
	if rotationSize <= 0 {
		rotationSize = defaultRotationSizeMB
	}
	maxBackups := logConfig.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    rotationSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}

	var writers []io.Writer
	if logConfig.ConsoleOutput {
		writers = append(writers, os.Stdout)
	}
	writers = append(writers, rotator)
	logrus.SetOutput(io.MultiWriter(writers...))

	// Warnings go out only once the file output is in place.
	if logConfig.RotationSize <= 0 {
		logrus.Warnf("logConfig.RotationSize is invalid (%d), defaulting to %dMB", logConfig.RotationSize, defaultRotationSizeMB)
	}
	if logConfig.MaxBackups <= 0 {
		logrus.Warnf("logConfig.MaxBackups is invalid (%d), defaulting to %d", logConfig.MaxBackups, defaultMaxBackups)
	}
	if errLevel != nil {
		logrus.Warnf("Invalid log level '%s' (from config) was overridden to 'info'. Error: %v", logConfig.Level, errLevel)
	}

	logrus.Infof("-------------------------------- Started %s application --------------------------------", appName)
	logrus.Infof("Logging configured: Level=%s, File=%s, ConsoleOutput=%t", logrus.GetLevel().String(), logFile, logConfig.ConsoleOutput)

	return nil
}

func newFormatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{TimestampFormat: timestampFormat}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	}
}

// Component returns a logger entry tagged with the component name, the
// field every job log line carries.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
