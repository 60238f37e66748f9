package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for the optional log file.
const (
	fileMaxSizeMB  = 50
	fileMaxBackups = 5
	fileMaxAgeDays = 28
)

// Setup builds the process logger and installs it as the global logger.
// When file is set, output is also written there as JSON with size based
// rotation.
func Setup(dev bool, file string) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	var console io.Writer = os.Stderr
	if dev {
		console = zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}
	}

	out := console
	if file != "" {
		out = zerolog.MultiLevelWriter(console, newFileWriter(file))
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp().Caller()
	if dev {
		ctx = ctx.Stack()
	}
	logger := ctx.Logger()

	zerolog.SetGlobalLevel(level)
	log.Logger = logger
	return logger
}

func newFileWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileMaxBackups,
		MaxAge:     fileMaxAgeDays,
		Compress:   true,
	}
}
