package logger

import (
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

type Format int

const (
	FormatText Format = iota
	FormatJSON
)

var (
	mu            sync.Mutex
	currentLevel  = LevelInfo
	currentFormat = FormatText
	logger        = stdlog.New(os.Stdout, "", 0)
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	}
}

func SetFormat(format string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(format) {
	case "json":
		currentFormat = FormatJSON
	case "text":
		currentFormat = FormatText
	}
}

// SetOutput redirects log output, e.g. to a file opened by the caller.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = stdlog.New(w, "", 0)
}

func log(level Level, format string, v ...any) {
	mu.Lock()
	defer mu.Unlock()

	if level < currentLevel {
		return
	}

	message := fmt.Sprintf(format, v...)

	if currentFormat == FormatJSON {
		line, err := json.Marshal(map[string]string{
			"time":    time.Now().Format(time.RFC3339),
			"level":   level.String(),
			"message": message,
		})
		if err == nil {
			logger.Println(string(line))
		}
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	prefix := fmt.Sprintf("[%s] [%s] ", timestamp, level.String())
	logger.Println(prefix + message)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
