// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"
)

type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// SetupStdLogging configures logging to stdout/stderr, demuxed by level so
// process supervisors see warnings and errors on stderr only.
func SetupStdLogging() {
	logrus.SetReportCaller(true)
	logrus.SetFormatter(&utcFormatter{
		&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
			QuoteEmptyFields: true,
		},
	})
	logrus.SetOutput(io.Discard)
	logrus.AddHook(stdemuxerhook.New(logrus.StandardLogger()))
}

// SetupFileLogging adds a rotating file hook at dir, splitting output by
// level the way dugong's FSHook does, keeping maxAge days of history.
func SetupFileLogging(dir string, level string) {
	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		logrus.WithError(err).Fatalf("Couldn't create directory %s for logs", dir)
	}
	logrus.AddHook(&logLevelHook{
		logLevel,
		dugong.NewFSHook(
			filepath.Join(dir, "homeserver.log"),
			&utcFormatter{
				&logrus.TextFormatter{
					TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
					DisableColors:    true,
					DisableTimestamp: false,
					DisableSorting:   false,
					QuoteEmptyFields: true,
				},
			},
			&dugong.DailyRotationSchedule{GZip: true},
		),
	})
}

// logLevelHook wraps another hook and only fires it at or above a minimum
// level, since dugong hooks fire for every level by default.
type logLevelHook struct {
	level logrus.Level
	logrus.Hook
}

func (h *logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}
