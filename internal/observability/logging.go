package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

type LoggingConfig struct {
	Level      LogLevel  `yaml:"level" mapstructure:"level"`
	Format     LogFormat `yaml:"format" mapstructure:"format"`
	Output     string    `yaml:"output" mapstructure:"output"`
	TimeFormat string    `yaml:"time_format" mapstructure:"time_format"`
}

type Logger struct {
	logger zerolog.Logger
	config LoggingConfig
	closer io.Closer
}

func NewLogger(config LoggingConfig) (*Logger, error) {

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var (
		output io.Writer
		closer io.Closer
	)
	switch config.Output {
	case "stderr", "":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:

		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, err
		}
		output = file
		closer = file
	}

	if config.Format == LogFormatConsole {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: getTimeFormat(config.TimeFormat),
		}
	}

	logger := zerolog.New(output).
		Level(parseLogLevel(config.Level)).
		With().
		Timestamp().
		Str("service", "fleetadmin").
		Logger()

	return &Logger{
		logger: logger,
		config: config,
		closer: closer,
	}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func (l *Logger) WithCollection(collection string) zerolog.Logger {
	return l.logger.With().
		Str("collection", collection).
		Logger()
}

func (l *Logger) WithOperation(operation string) zerolog.Logger {
	return l.logger.With().
		Str("operation", operation).
		Logger()
}

func (l *Logger) WithError(err error) zerolog.Logger {
	return l.logger.With().
		Stack().
		Err(err).
		Logger()
}

func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func parseLogLevel(level LogLevel) zerolog.Level {
	switch level {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func getTimeFormat(format string) string {
	if format == "" {
		return time.RFC3339
	}
	return format
}

func SetGlobalLogger(logger *Logger) {
	log.Logger = logger.logger
}
