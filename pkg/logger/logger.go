package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger wraps logrus.Logger with a set of sticky fields
type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

// Config holds logger configuration
type Config struct {
	Level  string
	Format string
	Output string
	File   string
}

// New creates a new logger instance with the given configuration
func New(config Config) (*Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	}

	output, err := openOutput(config)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(output)

	return &Logger{
		Logger: logger,
		fields: make(logrus.Fields),
	}, nil
}

// NewNop returns a logger that discards everything. Used by tests and
// one-off admin commands.
func NewNop() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{Logger: logger, fields: make(logrus.Fields)}
}

func openOutput(config Config) (io.Writer, error) {
	switch config.Output {
	case "stderr":
		return os.Stderr, nil
	case "file":
		path := config.File
		if path == "" {
			path = "guardian-lb.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	default:
		return os.Stdout, nil
	}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(logrus.Fields{key: value})
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: merged,
	}
}

// WithError adds an error field to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithFields(l.fields)
}

func (l *Logger) Debug(args ...interface{})                 { l.entry().Debug(args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }
func (l *Logger) Info(args ...interface{})                  { l.entry().Info(args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry().Infof(format, args...) }
func (l *Logger) Warn(args ...interface{})                  { l.entry().Warn(args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry().Warnf(format, args...) }
func (l *Logger) Error(args ...interface{})                 { l.entry().Error(args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }
func (l *Logger) Fatal(args ...interface{})                 { l.entry().Fatal(args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry().Fatalf(format, args...) }

// RequestLogger creates a logger with request-specific fields
func (l *Logger) RequestLogger(requestID, method, path, clientIP string) *Logger {
	return l.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"client_ip":  clientIP,
		"component":  "request_handler",
	})
}

// ServerLogger creates a logger scoped to one backend server
func (l *Logger) ServerLogger(address string) *Logger {
	return l.WithField("server", address)
}

// HealthCheckLogger creates a logger with health check specific fields
func (l *Logger) HealthCheckLogger() *Logger {
	return l.WithField("component", "health_check")
}

// LoadBalancerLogger creates a logger with load balancer specific fields
func (l *Logger) LoadBalancerLogger() *Logger {
	return l.WithField("component", "load_balancer")
}

// DefenseLogger is used by the rate tracker and the ddos detector
func (l *Logger) DefenseLogger() *Logger {
	return l.WithField("component", "defense")
}

// CapacityLogger is used by the auto-scaler
func (l *Logger) CapacityLogger() *Logger {
	return l.WithField("component", "capacity")
}

// CacheLogger is used by the cache interceptor and stores
func (l *Logger) CacheLogger() *Logger {
	return l.WithField("component", "cache")
}

// MetricsLogger creates a logger with metrics specific fields
func (l *Logger) MetricsLogger() *Logger {
	return l.WithField("component", "metrics")
}

// MiddlewareLogger creates a logger with middleware specific fields
func (l *Logger) MiddlewareLogger(middlewareName string) *Logger {
	return l.WithFields(logrus.Fields{
		"component":  "middleware",
		"middleware": middlewareName,
	})
}
