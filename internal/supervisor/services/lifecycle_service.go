// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package services

import (
	"context"
	"fmt"
)

// Lifecycle is a component with a Start/Stop pair, such as *jobs.Sweeper.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop()
}

// LifecycleService adapts a Lifecycle to suture's Serve pattern: Start, wait
// for cancellation, Stop.
type LifecycleService struct {
	component Lifecycle
	name      string
}

// NewLifecycleService wraps component under name.
func NewLifecycleService(name string, component Lifecycle) *LifecycleService {
	return &LifecycleService{component: component, name: name}
}

// Serve implements suture.Service. A Start failure is returned so suture
// restarts the service with backoff.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}
	<-ctx.Done()
	s.component.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for suture's logs.
func (s *LifecycleService) String() string {
	return s.name
}
