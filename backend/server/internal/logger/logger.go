package logger

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	tokenboardLogger *logrus.Logger
	getLoggerOnce    sync.Once
)

// GetLogger returns the process-wide logger. It writes to the rotating file
// named by TOKENBOARD_LOG_FILE when set, and to stdout otherwise.
func GetLogger() *logrus.Logger {
	getLoggerOnce.Do(func() {
		logFormatter := new(logrus.TextFormatter)
		logFormatter.TimestampFormat = time.RFC3339
		logFormatter.FullTimestamp = true

		tokenboardLogger = logrus.New()
		tokenboardLogger.SetFormatter(logFormatter)
		tokenboardLogger.SetLevel(logrus.InfoLevel)

		if logFile := os.Getenv("TOKENBOARD_LOG_FILE"); logFile != "" {
			tokenboardLogger.SetOutput(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    1, // MB
				MaxBackups: 10,
				MaxAge:     30, // days
			})
		} else {
			tokenboardLogger.SetOutput(os.Stdout)
		}
	})
	return tokenboardLogger
}
