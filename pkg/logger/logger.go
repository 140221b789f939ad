// Package logger is the process-wide structured logger. Warnings, errors and
// panics are also forwarded to the installed error tracker.
package logger

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bitechdev/channelhub/pkg/errortracking"
)

// Logger is nil until Init; the helpers fall back to the standard log package
var Logger *zap.SugaredLogger

var errorTracker errortracking.Provider

// Init builds a production (JSON) or development (console) logger writing to stderr
func Init(dev bool) {
	build(baseConfig(dev))
}

// UpdateLoggerPath rebuilds the logger writing to path
func UpdateLoggerPath(path string, dev bool) {
	cfg := baseConfig(dev)
	cfg.OutputPaths = []string{path}
	build(cfg)
}

func baseConfig(dev bool) zap.Config {
	if dev {
		return zap.NewDevelopmentConfig()
	}
	return zap.NewProductionConfig()
}

func build(cfg zap.Config) {
	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		log.Print(err)
		return
	}
	Logger = l.Sugar()
	Info("channelhub logger initialized")
}

// Sync flushes buffered log entries
func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// InitErrorTracking installs the error tracking provider used by Warn, Error and the panic helpers
func InitErrorTracking(provider errortracking.Provider) {
	errorTracker = provider
	if errorTracker != nil {
		Info("Error tracking initialized")
	}
}

// CloseErrorTracking flushes and closes the error tracking provider
func CloseErrorTracking() error {
	if errorTracker == nil {
		return nil
	}
	errorTracker.Flush(5)
	return errorTracker.Close()
}

func processExtra(extra map[string]interface{}) map[string]interface{} {
	if extra == nil {
		extra = make(map[string]interface{}, 1)
	}
	extra["process_id"] = os.Getpid()
	return extra
}

// CaptureError forwards err to the error tracker without logging it
func CaptureError(ctx context.Context, err error, extra map[string]interface{}) {
	if errorTracker == nil || err == nil {
		return
	}
	errorTracker.CaptureError(ctx, err, errortracking.SeverityError, processExtra(extra))
}

func logf(level zapcore.Level, template string, args []interface{}) string {
	message := fmt.Sprintf(template, args...)
	if Logger == nil {
		log.Print(message)
		return message
	}
	Logger.Logw(level, message, "process_id", os.Getpid())
	return message
}

func track(severity errortracking.Severity, message string) {
	if errorTracker != nil {
		errorTracker.CaptureMessage(context.Background(), message, severity, processExtra(nil))
	}
}

func Debug(template string, args ...interface{}) {
	logf(zapcore.DebugLevel, template, args)
}

func Info(template string, args ...interface{}) {
	logf(zapcore.InfoLevel, template, args)
}

func Warn(template string, args ...interface{}) {
	track(errortracking.SeverityWarning, logf(zapcore.WarnLevel, template, args))
}

func Error(template string, args ...interface{}) {
	track(errortracking.SeverityError, logf(zapcore.ErrorLevel, template, args))
}

// CatchPanic recovers and reports a panic in a goroutine. Use with defer.
func CatchPanic(location string) {
	if r := recover(); r != nil {
		reportPanic(context.Background(), location, r)
	}
}

// HandlePanic reports a value returned by recover() and converts it to an error:
//
//	defer func() {
//	    if r := recover(); r != nil {
//	        err = logger.HandlePanic(ctx, "Registry.deliver", r)
//	    }
//	}()
func HandlePanic(ctx context.Context, location string, r any) error {
	reportPanic(ctx, location, r)
	return fmt.Errorf("panic in %s: %v", location, r)
}

func reportPanic(ctx context.Context, location string, r any) {
	stack := debug.Stack()
	Error("Panic in %s: %v\nStack trace:\n%s", location, r, stack)

	if errorTracker != nil {
		errorTracker.CapturePanic(ctx, r, stack, processExtra(map[string]interface{}{
			"location": location,
		}))
	}
}
