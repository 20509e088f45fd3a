package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New creates a logger with the given level and format. Unknown values fall
// back to info level and JSON output.
func New(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if format == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "time",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "msg",
			},
		})
	}

	if parsed, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}
