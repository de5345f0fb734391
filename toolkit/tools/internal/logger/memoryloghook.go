// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

// Keeps log messages in memory so unit tests can assert on what a stage reported.

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type MemoryLogHook struct {
	subHooksLock sync.Mutex
	subHooks     []*MemoryLogSubHook
}

type MemoryLogSubHook struct {
	parent       *MemoryLogHook
	messagesLock sync.Mutex
	messages     []MemoryLogMessage
}

type MemoryLogMessage struct {
	Message string
	Level   logrus.Level
}

func NewMemoryLogHook() *MemoryLogHook {
	return &MemoryLogHook{}
}

func (h *MemoryLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *MemoryLogHook) Fire(entry *logrus.Entry) error {
	h.subHooksLock.Lock()
	subHooks := h.subHooks
	h.subHooksLock.Unlock()

	for _, subHook := range subHooks {
		subHook.add(MemoryLogMessage{Message: entry.Message, Level: entry.Level})
	}

	return nil
}

// AddSubHook starts capturing messages. Call Close on the result to stop.
func (h *MemoryLogHook) AddSubHook() *MemoryLogSubHook {
	subHook := &MemoryLogSubHook{
		parent: h,
	}

	h.subHooksLock.Lock()
	defer h.subHooksLock.Unlock()

	// Copy-on-write so Fire can iterate without holding the lock.
	subHooks := append([]*MemoryLogSubHook(nil), h.subHooks...)
	h.subHooks = append(subHooks, subHook)

	return subHook
}

func (h *MemoryLogHook) removeSubHook(subHook *MemoryLogSubHook) {
	h.subHooksLock.Lock()
	defer h.subHooksLock.Unlock()

	subHooks := []*MemoryLogSubHook(nil)
	for _, existing := range h.subHooks {
		if existing != subHook {
			subHooks = append(subHooks, existing)
		}
	}

	h.subHooks = subHooks
}

func (h *MemoryLogSubHook) add(message MemoryLogMessage) {
	h.messagesLock.Lock()
	defer h.messagesLock.Unlock()
	h.messages = append(h.messages, message)
}

func (h *MemoryLogSubHook) Close() {
	h.parent.removeSubHook(h)
}

// ConsumeMessages returns the captured messages and clears the buffer.
func (h *MemoryLogSubHook) ConsumeMessages() []MemoryLogMessage {
	h.messagesLock.Lock()
	defer h.messagesLock.Unlock()

	messages := h.messages
	h.messages = nil
	return messages
}

// ContainsMessage reports whether a message at the given level contains substr.
// The buffer is left untouched.
func (h *MemoryLogSubHook) ContainsMessage(level logrus.Level, substr string) bool {
	h.messagesLock.Lock()
	defer h.messagesLock.Unlock()

	for _, message := range h.messages {
		if message.Level == level && strings.Contains(message.Message, substr) {
			return true
		}
	}

	return false
}
