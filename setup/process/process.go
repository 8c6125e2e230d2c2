// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package process provides the shared shutdown context every long-lived
// component hangs off: consumers, the federation sender, and sync
// long-polls all watch the same context and the process waits for them to
// drain before exiting.
package process

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type ProcessContext struct {
	wg       sync.WaitGroup
	ctx      context.Context
	shutdown context.CancelFunc
	degraded map[string]struct{}
	mu       sync.Mutex
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
		degraded: map[string]struct{}{},
	}
}

// Context returns the process-lifetime context; it is cancelled exactly
// once, when ShutdownHomeserver is called.
func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, "scope", "process context") // nolint:staticcheck
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

func (b *ProcessContext) ShutdownHomeserver() {
	b.shutdown()
}

// WaitForShutdown blocks until something calls ShutdownHomeserver.
func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

// WaitForComponentsToFinish blocks until every component that called
// ComponentStarted has called ComponentFinished.
func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Degraded marks the process as degraded, e.g. when a federation
// destination queue hits its high-water mark or NATS reconnects. The flag
// feeds health reporting; it never stops the process.
func (b *ProcessContext) Degraded(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.degraded[err.Error()]; !ok {
		logrus.WithError(err).Warn("Homeserver is running in a degraded state")
		b.degraded[err.Error()] = struct{}{}
	}
}

func (b *ProcessContext) IsDegraded() (bool, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.degraded) > 0 {
		reasons := make([]string, 0, len(b.degraded))
		for reason := range b.degraded {
			reasons = append(reasons, reason)
		}
		return true, reasons
	}
	return false, nil
}
