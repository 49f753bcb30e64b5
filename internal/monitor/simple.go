package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ardutrial/internal/logger"
	"ardutrial/internal/mission"
	"ardutrial/internal/vehicle"
)

// DefaultHomeThreshold is how close, in metres, the vehicle must finish to
// the mission's home location.
const DefaultHomeThreshold = 3.0

// SimpleStatus passes when the vehicle visited every waypoint and came
// back home.
type SimpleStatus struct {
	ReachedHome         bool `json:"reached_home"`
	VisitedAllWaypoints bool `json:"visited_all_waypoints"`
}

func (s SimpleStatus) IsOK() bool {
	return s.ReachedHome && s.VisitedAllWaypoints
}

type SimpleOptions struct {
	HomeThreshold float64
	Logger        *slog.Logger
}

// SimpleMonitor records every mission item the vehicle heads for and
// checks the final position against home.
type SimpleMonitor struct {
	mission   *mission.Mission
	dial      vehicle.Dialer
	threshold float64
	log       *slog.Logger

	address string
	session vehicle.Session
	remove  func()

	mu      sync.Mutex
	visited map[int]struct{}
	status  SimpleStatus
}

var _ Monitor = (*SimpleMonitor)(nil)

func NewSimple(m *mission.Mission, dial vehicle.Dialer, opts SimpleOptions) *SimpleMonitor {
	if opts.HomeThreshold <= 0 {
		opts.HomeThreshold = DefaultHomeThreshold
	}
	return &SimpleMonitor{
		mission:   m,
		dial:      dial,
		threshold: opts.HomeThreshold,
		log:       logger.Or(opts.Logger),
		visited:   map[int]struct{}{},
	}
}

func (m *SimpleMonitor) AttachTo(address string) {
	m.log.Debug("attaching monitor", slog.String("address", address))
	m.address = address
}

func (m *SimpleMonitor) Open(ctx context.Context) error {
	if m.address == "" {
		return errors.New("monitor is not attached to a vehicle")
	}
	s, err := m.dial(ctx, m.address)
	if err != nil {
		return fmt.Errorf("connect monitor to %s: %w", m.address, err)
	}
	m.session = s
	m.remove = s.AddListener(vehicle.EventMissionCurrent, func(e vehicle.Event) {
		m.mu.Lock()
		m.visited[e.Seq] = struct{}{}
		m.mu.Unlock()
	})
	return nil
}

func (m *SimpleMonitor) Close() error {
	if m.remove != nil {
		m.remove()
		m.remove = nil
	}
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}

// Visited lists the mission items seen so far in ascending order.
func (m *SimpleMonitor) Visited() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.visited))
	for id := range m.visited {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NotifyMissionEnd settles the status. VisitedAllWaypoints holds when the
// visited set equals the mission's ids [0, len) once values outside that
// range are dropped. Those are the only extras tolerated: the cursor names
// the past-the-end item when a mission is started, and it says nothing
// about the items flown.
func (m *SimpleMonitor) NotifyMissionEnd(ctx context.Context) {
	if m.session == nil {
		m.log.Warn("mission end notified to a monitor that is not open")
		return
	}

	visited := m.Visited()
	expected := m.mission.WaypointIDs()
	seen := make(map[int]struct{}, len(visited))
	var ignored []int
	for _, id := range visited {
		if !m.mission.HasWaypoint(id) {
			ignored = append(ignored, id)
			continue
		}
		seen[id] = struct{}{}
	}
	var missing []int
	for _, id := range expected {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(ignored) > 0 {
		m.log.Debug("ignoring cursor values outside the mission", slog.Any("ignored", ignored))
	}

	home := m.mission.Home().Location()
	actual := m.session.Location()
	dist := vehicle.Distance(home, actual)

	m.mu.Lock()
	m.status.VisitedAllWaypoints = len(missing) == 0
	m.status.ReachedHome = dist < m.threshold
	m.mu.Unlock()

	if len(missing) > 0 {
		m.log.Debug("failed to visit all waypoints",
			slog.Any("visited", visited),
			slog.Any("expected", expected),
			slog.Any("missing", missing),
		)
	}
	m.log.Debug("distance to home", slog.String("metres", fmt.Sprintf("%.3f", dist)))
}

func (m *SimpleMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *SimpleMonitor) IsOK() bool {
	return m.Status().IsOK()
}
