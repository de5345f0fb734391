// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package installutils

import (
	"os"
	"testing"
	"time"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

var logMessagesHook *logger.MemoryLogHook

func TestMain(m *testing.M) {
	logger.InitStderrLog()

	logMessagesHook = logger.NewMemoryLogHook()
	logger.Log.Hooks.Add(logMessagesHook)

	os.Exit(m.Run())
}

func TestProgressWriterCountsBytes(t *testing.T) {
	progress := NewProgressWriter("Writing image", 0, time.Hour)

	n, err := progress.Write(make([]byte, 100))
	assert.NoError(t, err)
	assert.Equal(t, 100, n)

	_, err = progress.Write(make([]byte, 28))
	assert.NoError(t, err)
	assert.Equal(t, uint64(128), progress.Written())
}

func TestProgressWriterReportsOnInterval(t *testing.T) {
	logMessages := logMessagesHook.AddSubHook()
	defer logMessages.Close()

	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }

	progress := newProgressWriter("Writing image", 4096, time.Second, now)

	_, _ = progress.Write(make([]byte, 1024))
	assert.False(t, logMessages.ContainsMessage(logrus.InfoLevel, "Writing image: "))

	current = current.Add(2 * time.Second)
	_, _ = progress.Write(make([]byte, 1024))
	assert.True(t, logMessages.ContainsMessage(logrus.InfoLevel, "(50%)"))
}

func TestProgressWriterStatusWithoutTotal(t *testing.T) {
	progress := NewProgressWriter("Writing image", 0, time.Hour)
	_, _ = progress.Write(make([]byte, 2048))

	assert.Equal(t, "2.0 KB", progress.status())
}
