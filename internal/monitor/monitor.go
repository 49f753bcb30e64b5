// Package monitor observes a vehicle during a mission over its own
// connection and judges the mission once it has ended.
package monitor

import (
	"context"
	"fmt"
)

// Status is a monitor's verdict.
type Status interface {
	IsOK() bool
}

// Monitor watches one vehicle. AttachTo must be called before Open.
type Monitor interface {
	AttachTo(address string)
	Open(ctx context.Context) error
	Close() error
	Status() Status
	// NotifyMissionEnd tells the monitor the mission has completed so it
	// can take its final measurements.
	NotifyMissionEnd(ctx context.Context)
	IsOK() bool
}

// Use opens m, runs fn and closes m again regardless of how fn returns.
func Use(ctx context.Context, m Monitor, fn func() error) (err error) {
	if err := m.Open(ctx); err != nil {
		return fmt.Errorf("open monitor: %w", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close monitor: %w", cerr)
		}
	}()
	return fn()
}
