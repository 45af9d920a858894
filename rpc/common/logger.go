package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/mattn/go-isatty"
)

// LoggerNames are the names of all loggers of the application (see logger.GetLogger).
var LoggerNames = []string{
	"store",
	"watcher",
	"sync",
	"kb",
	"rpc",
	"transport/http",
	"client",
}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dKBLogger implements the ILogger interface with custom formatting
type dKBLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
	colors bool
}

func (l *dKBLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *dKBLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log(logger.DEBUG, format, args...)
	}
}

func (l *dKBLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log(logger.INFO, format, args...)
	}
}

func (l *dKBLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log(logger.WARNING, format, args...)
	}
}

func (l *dKBLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log(logger.ERROR, format, args...)
	}
}

func (l *dKBLogger) Panicf(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.log(logger.CRITICAL, "%s", message)
	panic(message)
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *dKBLogger) log(level logger.LogLevel, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%s | %-15s | %s", l.levelTag(level), l.name, message)
}

var levelColors = map[logger.LogLevel]*color.Color{
	logger.CRITICAL: color.New(color.FgHiRed, color.Bold),
	logger.ERROR:    color.New(color.FgRed),
	logger.WARNING:  color.New(color.FgYellow),
	logger.INFO:     color.New(color.FgGreen),
	logger.DEBUG:    color.New(color.FgCyan),
}

// levelTag returns the padded (and if enabled colored) name of a level
func (l *dKBLogger) levelTag(level logger.LogLevel) string {
	var tag string
	switch level {
	case logger.CRITICAL:
		tag = "PANIC"
	case logger.ERROR:
		tag = "ERROR"
	case logger.WARNING:
		tag = "WARN"
	case logger.INFO:
		tag = "INFO"
	default:
		tag = "DEBUG"
	}
	tag = fmt.Sprintf("%-5s", tag)

	if !l.colors {
		return tag
	}
	c := levelColors[level]
	c.EnableColor()
	return c.Sprint(tag)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// logOutput is the writer all loggers write to
var logOutput io.Writer = os.Stdout

// CreateLogger implements the Factory interface
func CreateLogger(pkgName string) logger.ILogger {
	// Create standard logger with custom flags
	stdLogger := log.New(logOutput, "", log.Ldate|log.Ltime)

	return &dKBLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
		colors: useColors(logOutput),
	}
}

// useColors reports whether w is a terminal that should get colored output
func useColors(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the custom logger factory and sets the level of all application loggers.
// An invalid level falls back to info.
func InitLoggers(logLevel string) {
	level, err := ParseLogLevel(logLevel)

	// Set as the global logger factory
	logger.SetLoggerFactory(CreateLogger)

	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(level)
	}

	if err != nil {
		logger.GetLogger("rpc").Warningf("%v, using info", err)
	}
}
