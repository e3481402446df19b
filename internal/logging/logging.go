// Package logging configures the process-wide structured logger written to
// app.log, one line per event. The returned logrus logger writes its text
// format (time="YYYY-MM-DD HH:MM:SS" level=... msg=...); lines from the
// standard "log" package carry only that package's date/time prefix. Neither
// is a bare "TIMESTAMP LEVEL:MESSAGE" line.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"
)

// Init opens path for append and points both a new logrus logger and the
// stdlib "log" package at it, so older call sites (scanner, connector,
// BlueZ adapter supervision) that still log through the standard library
// land in the same file as newly written ones.
func Init(path string) (*logrus.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	log.SetOutput(f)

	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	})
	l.SetLevel(logrus.InfoLevel)

	return l, f, nil
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
