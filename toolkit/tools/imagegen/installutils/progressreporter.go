// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package installutils

import (
	"fmt"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

const DefaultProgressInterval = 5 * time.Second

// ReportActionf logs the formatted current action at debug level.
func ReportActionf(format string, args ...interface{}) {
	ReportAction(fmt.Sprintf(format, args...))
}

// ReportAction logs the current action at debug level.
func ReportAction(status string) {
	logger.Log.Debugf("ReportAction: '%s'", status)
}

// ProgressWriter is an io.Writer sink that counts the bytes passing through a copy and periodically
// logs how far along the copy is.
type ProgressWriter struct {
	lock       sync.Mutex
	action     string
	total      uint64
	written    uint64
	interval   time.Duration
	lastReport time.Time
	now        func() time.Time
}

// NewProgressWriter creates a ProgressWriter. total may be 0 when the final size isn't known up front
// (e.g. a compressed stream).
func NewProgressWriter(action string, total uint64, interval time.Duration) *ProgressWriter {
	return newProgressWriter(action, total, interval, time.Now)
}

func newProgressWriter(action string, total uint64, interval time.Duration, now func() time.Time,
) *ProgressWriter {
	return &ProgressWriter{
		action:     action,
		total:      total,
		interval:   interval,
		lastReport: now(),
		now:        now,
	}
}

func (p *ProgressWriter) Write(data []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.written += uint64(len(data))

	now := p.now()
	if now.Sub(p.lastReport) >= p.interval {
		p.lastReport = now
		ReportAction(p.status())
		logger.Log.Infof("%s: %s", p.action, p.status())
	}

	return len(data), nil
}

// Written returns the number of bytes seen so far.
func (p *ProgressWriter) Written() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.written
}

// Finish logs the final byte count.
func (p *ProgressWriter) Finish() {
	p.lock.Lock()
	defer p.lock.Unlock()
	logger.Log.Infof("%s: done, %s", p.action, datasize.ByteSize(p.written).HumanReadable())
}

func (p *ProgressWriter) status() string {
	written := datasize.ByteSize(p.written).HumanReadable()
	if p.total == 0 {
		return written
	}

	percent := float64(p.written) * 100 / float64(p.total)
	return fmt.Sprintf("%s of %s (%.0f%%)", written, datasize.ByteSize(p.total).HumanReadable(), percent)
}
