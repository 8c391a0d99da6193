package common

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func InitLogger(level, appName string) (*log.Logger, error) {
	logger := log.New()
	switch strings.ToLower(level) {
	case "trace":
		logger.SetLevel(log.TraceLevel)
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "info":
		logger.SetLevel(log.InfoLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	case "fatal":
		logger.SetLevel(log.FatalLevel)
	case "panic":
		logger.SetLevel(log.PanicLevel)
	case "off":
		logger.SetLevel(log.PanicLevel)
		logger.SetOutput(io.Discard)
	default:
		return nil, errors.Errorf("unsupported log level %s", level)
	}
	logger.SetFormatter(&MyLogFormatter{AppName: appName})
	return logger, nil
}

// MustInitLogger is InitLogger for callers whose level was already validated.
func MustInitLogger(level, appName string) *log.Logger {
	logger, err := InitLogger(level, appName)
	if err != nil {
		logger = log.New()
		logger.SetFormatter(&MyLogFormatter{AppName: appName})
		logger.Warnf("%v, fall back to info", err)
	}
	return logger
}

type MyLogFormatter struct {
	AppName string
}

func (f *MyLogFormatter) Format(entry *log.Entry) ([]byte, error) {
	year, month, day := entry.Time.Date()
	hour, minute, second := entry.Time.Clock()
	str := fmt.Sprintf("%d/%02d/%02d %02d:%02d:%02d %s [%s] %s", year, month, day, hour, minute, second,
		strings.ToUpper(entry.Level.String()), f.AppName, entry.Message)
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			str += fmt.Sprintf(" %s=%v", k, entry.Data[k])
		}
	}
	return []byte(str + "\n"), nil
}
