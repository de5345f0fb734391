// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

import (
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// writerHook writes entries at or above a minimum level to a writer.
type writerHook struct {
	lock      sync.Mutex
	writer    io.Writer
	level     logrus.Level
	formatter *logrus.TextFormatter
	colors    bool
}

var levelColors = map[logrus.Level]*color.Color{
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.InfoLevel:  color.New(color.FgCyan),
	logrus.DebugLevel: color.New(color.FgWhite),
	logrus.TraceLevel: color.New(color.FgHiBlack),
}

func newWriterHook(writer io.Writer, level logrus.Level, colors bool) *writerHook {
	return &writerHook{
		writer: writer,
		level:  level,
		formatter: &logrus.TextFormatter{
			FullTimestamp:          true,
			DisableColors:          true,
			DisableLevelTruncation: true,
		},
		colors: colors,
	}
}

func (h *writerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if entry.Level > h.level {
		return nil
	}

	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	levelColor, hasColor := levelColors[entry.Level]
	if h.colors && hasColor {
		_, err = levelColor.Fprint(h.writer, string(line))
		return err
	}

	_, err = h.writer.Write(line)
	return err
}

func (h *writerHook) setLevel(level logrus.Level) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.level = level
}

func (h *writerHook) setColors(colors bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.colors = colors
}
