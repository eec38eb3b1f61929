package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	LogInvestigationStarted(ctx context.Context, sessionID, targetMetric string) error
	LogInvestigationCompleted(ctx context.Context, sessionID, status string, duration time.Duration) error
	LogInvestigationFailed(ctx context.Context, sessionID string, err error) error

	LogStageCompleted(ctx context.Context, sessionID, stage string, duration time.Duration) error
	LogHypothesisCompleted(ctx context.Context, sessionID, hypothesisID, outcome string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file.
	// Empty means stdout only.
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// Format is "json" or "console" for the application logger
	Format string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "",
		MaxSize:      100, // megabytes
		MaxBackups:   5,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
		Format:       "json",
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewAppLogger builds the application logger: stdout plus, when
// AppLogPath is set, a rotated file.
func NewAppLogger(config *Config) (*zap.Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encCfg := encoderConfig()
	var encoder zapcore.Encoder
	if config.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}
	if config.AppLogPath != "" {
		appRotator := &lumberjack.Logger{
			Filename:   config.AppLogPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(appRotator),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	rotator     *lumberjack.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives marshal failures;
// nil means zap.NewNop().
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if _, err := zapcore.ParseLevel(config.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	// Audit logs are append-only and always INFO level.
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		rotator:     auditRotator,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogInvestigationStarted(ctx context.Context, sessionID, targetMetric string) error {
	event := NewEvent(EventInvestigationStarted).
		WithSessionID(sessionID).
		WithResult(ResultSuccess).
		WithMetadata("target_metric", targetMetric).
		WithDescription(fmt.Sprintf("Investigation of %s started", targetMetric))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogInvestigationCompleted(ctx context.Context, sessionID, status string, duration time.Duration) error {
	event := NewEvent(EventInvestigationCompleted).
		WithSessionID(sessionID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("status", status).
		WithDescription(fmt.Sprintf("Investigation %s finished with status %s", sessionID, status))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogInvestigationFailed(ctx context.Context, sessionID string, err error) error {
	event := NewEvent(EventInvestigationFailed).
		WithSessionID(sessionID).
		WithError(err).
		WithDescription(fmt.Sprintf("Investigation %s failed", sessionID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogStageCompleted(ctx context.Context, sessionID, stage string, duration time.Duration) error {
	event := NewEvent(EventStageCompleted).
		WithSessionID(sessionID).
		WithStage(stage).
		WithResult(ResultSuccess).
		WithDuration(duration)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogHypothesisCompleted(ctx context.Context, sessionID, hypothesisID, outcome string) error {
	event := NewEvent(EventHypothesisCompleted).
		WithSessionID(sessionID).
		WithHypothesis(hypothesisID).
		WithResult(ResultSuccess).
		WithMetadata("outcome", outcome)

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	return l.auditLogger.Sync()
}

// Close flushes and closes the audit logger. Safe to call more than once.
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		if err = l.Sync(); err != nil {
			return
		}
		err = l.rotator.Close()
	})
	return err
}
