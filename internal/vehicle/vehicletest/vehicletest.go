// Package vehicletest provides a scripted in-memory vehicle for tests.
package vehicletest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ardutrial/internal/timectrl"
	"ardutrial/internal/vehicle"
)

// Step moves the mission cursor to Cursor once At has elapsed since the
// mission was started.
type Step struct {
	At     time.Duration
	Cursor int
}

// ParamWrite records one SetParameter call that reached the vehicle.
type ParamWrite struct {
	Name  string
	Value float64
	At    time.Time
}

// Vehicle is a fake autopilot shared by any number of sessions. Exported
// fields configure behaviour and must be set before the first session is
// used.
type Vehicle struct {
	// ArmableAfter delays IsArmable from construction time.
	ArmableAfter time.Duration
	NeverArmable bool
	// ArmDelay delays Armed after Arm(true) was requested.
	ArmDelay  time.Duration
	NeverArms bool
	// HomeWithoutDownload reports the home location before any download.
	HomeWithoutDownload bool
	// DownloadTimesOut makes DownloadCommands consume its budget and fail.
	DownloadTimesOut bool
	// UploadTimesOut makes UploadCommands consume its budget and fail.
	UploadTimesOut bool
	// Script is the cursor schedule after mission start.
	Script []Step
	// Positions maps a cursor value to the reported location.
	Positions map[int]vehicle.Location
	// Final is reported once the mission has completed. Defaults to home.
	Final *vehicle.Location

	clock   timectrl.Clock
	created time.Time
	home    vehicle.Location

	mu            sync.Mutex
	downloaded    bool
	armRequested  bool
	armAt         time.Time
	mode          string
	uploaded      []vehicle.Command
	uploads       int
	startedAt     time.Time
	started       bool
	completed     bool
	cursor        int
	lost          bool
	params        map[string]float64
	paramWrites   []ParamWrite
	sent          []vehicle.CommandLong
	listeners     map[string]map[int]vehicle.Listener
	nextListener  int
	openSessions  int
	closedSession int
}

// New builds a vehicle sitting at home. When clock is a *timectrl.Manual
// the vehicle streams MISSION_CURRENT every time the clock advances.
func New(clock timectrl.Clock, home vehicle.Location) *Vehicle {
	v := &Vehicle{
		clock:     clock,
		created:   clock.Now(),
		home:      home,
		mode:      "STABILIZE",
		params:    map[string]float64{},
		listeners: map[string]map[int]vehicle.Listener{},
	}
	if m, ok := clock.(*timectrl.Manual); ok {
		m.OnAdvance(func(time.Time) { v.Tick() })
	}
	return v
}

// Session opens a new view onto the vehicle.
func (v *Vehicle) Session() *Session {
	v.mu.Lock()
	v.openSessions++
	v.mu.Unlock()
	return &Session{v: v}
}

// Dialer returns a vehicle.Dialer handing out sessions on v and recording
// the dialled addresses.
func (v *Vehicle) Dialer(addrs *[]string) vehicle.Dialer {
	var mu sync.Mutex
	return func(ctx context.Context, address string) (vehicle.Session, error) {
		if addrs != nil {
			mu.Lock()
			*addrs = append(*addrs, address)
			mu.Unlock()
		}
		return v.Session(), nil
	}
}

// LoseConnection makes every session report vehicle.ErrConnectionLost.
func (v *Vehicle) LoseConnection() {
	v.mu.Lock()
	v.lost = true
	v.mu.Unlock()
}

// SetCursor forces the mission cursor, bypassing the script.
func (v *Vehicle) SetCursor(n int) {
	v.mu.Lock()
	v.Script = nil
	v.setCursorLocked(n)
	v.mu.Unlock()
	v.emit(vehicle.Event{Name: vehicle.EventMissionCurrent, Seq: n})
}

// Tick re-evaluates the script and streams the current cursor to
// MISSION_CURRENT listeners.
func (v *Vehicle) Tick() {
	v.mu.Lock()
	if v.lost {
		v.mu.Unlock()
		return
	}
	v.refreshLocked()
	seq := v.cursor
	v.mu.Unlock()
	v.emit(vehicle.Event{Name: vehicle.EventMissionCurrent, Seq: seq})
}

// StatusText pushes a STATUSTEXT event to listeners.
func (v *Vehicle) StatusText(text string) {
	v.emit(vehicle.Event{Name: vehicle.EventStatusText, Text: text})
}

func (v *Vehicle) ParamWrites() []ParamWrite {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]ParamWrite(nil), v.paramWrites...)
}

func (v *Vehicle) Param(name string) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.params[name]
	return val, ok
}

func (v *Vehicle) Uploaded() []vehicle.Command {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]vehicle.Command(nil), v.uploaded...)
}

func (v *Vehicle) Uploads() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.uploads
}

func (v *Vehicle) SentCommands() []vehicle.CommandLong {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]vehicle.CommandLong(nil), v.sent...)
}

func (v *Vehicle) ModeName() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mode
}

// Listeners counts the subscribed listeners for an event name.
func (v *Vehicle) Listeners(name string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.listeners[name])
}

// OpenSessions reports how many sessions are still open.
func (v *Vehicle) OpenSessions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.openSessions - v.closedSession
}

func (v *Vehicle) refreshLocked() {
	if !v.started || v.Script == nil {
		return
	}
	elapsed := v.clock.Now().Sub(v.startedAt)
	cursor := 0
	for _, s := range v.Script {
		if elapsed >= s.At {
			cursor = s.Cursor
		}
	}
	v.setCursorLocked(cursor)
}

func (v *Vehicle) setCursorLocked(n int) {
	if v.cursor != 0 && n == 0 {
		v.completed = true
	}
	v.cursor = n
}

func (v *Vehicle) emit(evt vehicle.Event) {
	v.mu.Lock()
	fns := make([]vehicle.Listener, 0, len(v.listeners[evt.Name]))
	for _, fn := range v.listeners[evt.Name] {
		fns = append(fns, fn)
	}
	v.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// Session is one connection onto a Vehicle.
type Session struct {
	v      *Vehicle
	mu     sync.Mutex
	closed bool
}

var _ vehicle.Session = (*Session)(nil)

func (s *Session) check() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session closed: %w", vehicle.ErrConnectionLost)
	}
	s.v.mu.Lock()
	lost := s.v.lost
	s.v.mu.Unlock()
	if lost {
		return vehicle.ErrConnectionLost
	}
	return nil
}

func (s *Session) IsArmable() bool {
	v := s.v
	if v.NeverArmable {
		return false
	}
	return v.clock.Now().Sub(v.created) >= v.ArmableAfter
}

func (s *Session) Armed() bool {
	v := s.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.armRequested || v.NeverArms {
		return false
	}
	return v.clock.Now().Sub(v.armAt) >= v.ArmDelay
}

func (s *Session) Arm(ctx context.Context, armed bool) error {
	if err := s.check(); err != nil {
		return err
	}
	v := s.v
	v.mu.Lock()
	defer v.mu.Unlock()
	v.armRequested = armed
	v.armAt = v.clock.Now()
	return nil
}

func (s *Session) HomeLocation() (vehicle.Location, bool) {
	v := s.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.downloaded || v.HomeWithoutDownload {
		return v.home, true
	}
	return vehicle.Location{}, false
}

func (s *Session) DownloadCommands(ctx context.Context, timeout time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.v.DownloadTimesOut {
		_ = s.v.clock.Sleep(ctx, timeout)
		return vehicle.ErrTimeout
	}
	s.v.mu.Lock()
	s.v.downloaded = true
	s.v.mu.Unlock()
	return nil
}

func (s *Session) UploadCommands(ctx context.Context, cmds []vehicle.Command, timeout time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.v.UploadTimesOut {
		_ = s.v.clock.Sleep(ctx, timeout)
		return vehicle.ErrTimeout
	}
	s.v.mu.Lock()
	s.v.uploaded = append([]vehicle.Command(nil), cmds...)
	s.v.uploads++
	s.v.mu.Unlock()
	return nil
}

func (s *Session) Mode() string { return s.v.ModeName() }

func (s *Session) SetMode(ctx context.Context, mode string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.v.mu.Lock()
	s.v.mode = mode
	s.v.mu.Unlock()
	return nil
}

func (s *Session) SendCommand(ctx context.Context, cmd vehicle.CommandLong) error {
	if err := s.check(); err != nil {
		return err
	}
	v := s.v
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sent = append(v.sent, cmd)
	if cmd.Command == vehicle.CmdMissionStart && v.mode == vehicle.ModeAuto && !v.started {
		v.started = true
		v.startedAt = v.clock.Now()
	}
	return nil
}

func (s *Session) NextCommand() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	v := s.v
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshLocked()
	return v.cursor, nil
}

func (s *Session) Location() vehicle.Location {
	v := s.v
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshLocked()
	if v.completed {
		if v.Final != nil {
			return *v.Final
		}
		return v.home
	}
	if loc, ok := v.Positions[v.cursor]; ok {
		return loc
	}
	return v.home
}

func (s *Session) AddListener(name string, fn vehicle.Listener) func() {
	v := s.v
	v.mu.Lock()
	id := v.nextListener
	v.nextListener++
	if v.listeners[name] == nil {
		v.listeners[name] = map[int]vehicle.Listener{}
	}
	v.listeners[name][id] = fn
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.listeners[name], id)
			v.mu.Unlock()
		})
	}
}

func (s *Session) SetParameter(ctx context.Context, name string, value float64) error {
	if err := s.check(); err != nil {
		return err
	}
	v := s.v
	v.mu.Lock()
	defer v.mu.Unlock()
	v.params[name] = value
	v.paramWrites = append(v.paramWrites, ParamWrite{Name: name, Value: value, At: v.clock.Now()})
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.v.mu.Lock()
	s.v.closedSession++
	s.v.mu.Unlock()
	return nil
}
