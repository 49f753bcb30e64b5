// Package mavlink implements vehicle.Session on top of gomavlib, speaking
// the subset of MAVLink a trial needs: heartbeats, mission transfer, mode
// changes, parameters and the mission cursor.
package mavlink

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"ardutrial/internal/logger"
	"ardutrial/internal/vehicle"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultRetryInterval  = time.Second
	defaultParamTimeout   = 5 * time.Second

	gcsSystemID    = 255
	gcsComponentID = 190
	mavTypeGCS     = 6
	cmdArm         = 400
	cmdGetHome     = 410
	paramReal32    = 9
	armedFlag      = 128
	customModeFlag = 1
	stateStandby   = 3
	fix2D          = 2
	degE7          = 1e7
)

var errClosed = fmt.Errorf("session closed: %w", vehicle.ErrConnectionLost)

// Options tune a Session.
type Options struct {
	// HeartbeatTimeout is the liveness window after which the vehicle is
	// considered lost.
	HeartbeatTimeout time.Duration
	// ConnectTimeout bounds the wait for the first heartbeat in Dial.
	ConnectTimeout time.Duration
	// RetryInterval paces re-sent requests during transfers.
	RetryInterval time.Duration
	SystemID      byte
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = vehicle.DefaultHeartbeatTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.SystemID == 0 {
		o.SystemID = gcsSystemID
	}
	o.Logger = logger.Or(o.Logger)
	return o
}

type subscription struct {
	match func(message.Message) bool
	ch    chan message.Message
}

// Session is a MAVLink connection to one autopilot.
type Session struct {
	node *gomavlib.Node
	opts Options
	log  *slog.Logger

	ready  chan struct{}
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	readyOnce sync.Once

	mu            sync.Mutex
	targetSystem  byte
	targetComp    byte
	kind          Kind
	lastHeartbeat time.Time
	baseMode      uint8
	customMode    uint32
	systemStatus  int
	gpsFix        int
	home          *vehicle.Location
	location      vehicle.Location
	cursor        int
	listeners     map[string]map[int]vehicle.Listener
	subs          map[int]*subscription
	nextID        int
}

var _ vehicle.Session = (*Session)(nil)

// Dialer adapts Dial to vehicle.Dialer.
func Dialer(opts Options) vehicle.Dialer {
	return func(ctx context.Context, address string) (vehicle.Session, error) {
		return Dial(ctx, address, opts)
	}
}

// Dial opens address and blocks until the first autopilot heartbeat.
func Dial(ctx context.Context, address string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	ep, err := Endpoint(address)
	if err != nil {
		return nil, err
	}

	node := &gomavlib.Node{
		Endpoints:           []gomavlib.EndpointConf{ep},
		Dialect:             common.Dialect,
		OutVersion:          gomavlib.V2,
		OutSystemID:         opts.SystemID,
		OutComponentID:      gcsComponentID,
		StreamRequestEnable: true,
	}
	if err := node.Initialize(); err != nil {
		return nil, fmt.Errorf("open %s: %w", address, err)
	}

	s := &Session{
		node:      node,
		opts:      opts,
		log:       opts.Logger.With(slog.String("address", address)),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		listeners: map[string]map[int]vehicle.Listener{},
		subs:      map[int]*subscription{},
	}
	go s.run()

	timer := time.NewTimer(opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		s.log.Debug("connected to vehicle", slog.String("kind", s.Kind().String()))
		return s, nil
	case <-timer.C:
		s.Close()
		return nil, fmt.Errorf("connect %s: no heartbeat after %s: %w", address, opts.ConnectTimeout, vehicle.ErrTimeout)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.exited)
	events := s.node.Events()
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if fr, ok := evt.(*gomavlib.EventFrame); ok {
				s.handle(fr.Frame.GetSystemID(), fr.Frame.GetComponentID(), fr.Frame.GetMessage())
			}
		}
	}
}

func (s *Session) handle(sysID, compID byte, msg message.Message) {
	if hb, ok := msg.(*common.MessageHeartbeat); ok {
		if int(hb.Type) == mavTypeGCS {
			return
		}
		s.mu.Lock()
		if s.targetSystem == 0 {
			s.targetSystem, s.targetComp = sysID, compID
			s.kind = kindFromType(int(hb.Type))
		}
		if sysID == s.targetSystem {
			s.lastHeartbeat = time.Now()
			s.baseMode = uint8(hb.BaseMode)
			s.customMode = hb.CustomMode
			s.systemStatus = int(hb.SystemStatus)
		}
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		return
	}

	s.mu.Lock()
	if s.targetSystem != 0 && sysID != s.targetSystem {
		s.mu.Unlock()
		return
	}
	var evt *vehicle.Event
	switch m := msg.(type) {
	case *common.MessageGlobalPositionInt:
		s.location = vehicle.Location{
			Lat: float64(m.Lat) / degE7,
			Lon: float64(m.Lon) / degE7,
			Alt: float64(m.Alt) / 1000,
		}
	case *common.MessageGpsRawInt:
		s.gpsFix = int(m.FixType)
	case *common.MessageHomePosition:
		s.home = &vehicle.Location{
			Lat: float64(m.Latitude) / degE7,
			Lon: float64(m.Longitude) / degE7,
			Alt: float64(m.Altitude) / 1000,
		}
	case *common.MessageMissionCurrent:
		s.cursor = int(m.Seq)
		evt = &vehicle.Event{Name: vehicle.EventMissionCurrent, Seq: int(m.Seq)}
	case *common.MessageStatustext:
		evt = &vehicle.Event{Name: vehicle.EventStatusText, Text: m.Text}
	}
	var subs []*subscription
	for _, sub := range s.subs {
		if sub.match(msg) {
			subs = append(subs, sub)
		}
	}
	var fns []vehicle.Listener
	if evt != nil {
		for _, fn := range s.listeners[evt.Name] {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			s.log.Warn("dropping message for slow subscriber", slog.String("message", fmt.Sprintf("%T", msg)))
		}
	}
	for _, fn := range fns {
		fn(*evt)
	}
}

func (s *Session) subscribe(match func(message.Message) bool) (<-chan message.Message, func()) {
	sub := &subscription{match: match, ch: make(chan message.Message, 64)}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()
	return sub.ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) alive() error {
	if s.isClosed() {
		return errClosed
	}
	s.mu.Lock()
	last := s.lastHeartbeat
	s.mu.Unlock()
	if time.Since(last) > s.opts.HeartbeatTimeout {
		return fmt.Errorf("no heartbeat for %s: %w", time.Since(last).Round(time.Second), vehicle.ErrConnectionLost)
	}
	return nil
}

func (s *Session) write(msg message.Message) error {
	if s.isClosed() {
		return errClosed
	}
	if err := s.node.WriteMessageAll(msg); err != nil {
		return fmt.Errorf("write %T: %w", msg, err)
	}
	return nil
}

func (s *Session) target() (byte, byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetSystem, s.targetComp
}

// exchange calls send, then re-sends every RetryInterval until a message
// on ch satisfies accept or the deadline passes.
func (s *Session) exchange(ctx context.Context, deadline <-chan time.Time, ch <-chan message.Message,
	send func() error, accept func(message.Message) bool,
) (message.Message, error) {
	if err := send(); err != nil {
		return nil, err
	}
	retry := time.NewTicker(s.opts.RetryInterval)
	defer retry.Stop()
	for {
		select {
		case msg := <-ch:
			if accept(msg) {
				return msg, nil
			}
		case <-retry.C:
			if err := s.alive(); err != nil {
				return nil, err
			}
			if err := send(); err != nil {
				return nil, err
			}
		case <-deadline:
			return nil, vehicle.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, errClosed
		}
	}
}

func (s *Session) Kind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

func (s *Session) IsArmable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemStatus >= stateStandby && s.gpsFix >= fix2D
}

func (s *Session) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseMode&armedFlag != 0
}

func (s *Session) Arm(ctx context.Context, armed bool) error {
	p1 := 0.0
	if armed {
		p1 = 1
	}
	return s.SendCommand(ctx, vehicle.CommandLong{Command: cmdArm, Params: [7]float64{p1}})
}

func (s *Session) HomeLocation() (vehicle.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.home == nil {
		return vehicle.Location{}, false
	}
	return *s.home, true
}

// DownloadCommands fetches the onboard mission. Item 0 is the home
// location, so a completed download also sets HomeLocation.
func (s *Session) DownloadCommands(ctx context.Context, timeout time.Duration) error {
	ch, cancel := s.subscribe(func(m message.Message) bool {
		switch m.(type) {
		case *common.MessageMissionCount, *common.MessageMissionItemInt, *common.MessageMissionItem:
			return true
		}
		return false
	})
	defer cancel()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	sys, comp := s.target()
	_ = s.write(&common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         common.MAV_CMD(cmdGetHome),
	})

	msg, err := s.exchange(ctx, deadline.C, ch,
		func() error {
			return s.write(&common.MessageMissionRequestList{TargetSystem: sys, TargetComponent: comp})
		},
		func(m message.Message) bool {
			_, ok := m.(*common.MessageMissionCount)
			return ok
		})
	if err != nil {
		return fmt.Errorf("request mission count: %w", err)
	}
	count := int(msg.(*common.MessageMissionCount).Count)
	s.log.Debug("downloading mission", slog.Int("count", count))

	for seq := 0; seq < count; seq++ {
		seq16 := uint16(seq)
		item, err := s.exchange(ctx, deadline.C, ch,
			func() error {
				return s.write(&common.MessageMissionRequestInt{TargetSystem: sys, TargetComponent: comp, Seq: seq16})
			},
			func(m message.Message) bool {
				switch it := m.(type) {
				case *common.MessageMissionItemInt:
					return it.Seq == seq16
				case *common.MessageMissionItem:
					return it.Seq == seq16
				}
				return false
			})
		if err != nil {
			return fmt.Errorf("request mission item %d: %w", seq, err)
		}
		if seq == 0 {
			s.setHomeFromItem(item)
		}
	}
	return s.write(&common.MessageMissionAck{TargetSystem: sys, TargetComponent: comp})
}

func (s *Session) setHomeFromItem(item message.Message) {
	var home vehicle.Location
	switch it := item.(type) {
	case *common.MessageMissionItemInt:
		home = vehicle.Location{Lat: float64(it.X) / degE7, Lon: float64(it.Y) / degE7, Alt: float64(it.Z)}
	case *common.MessageMissionItem:
		home = vehicle.Location{Lat: float64(it.X), Lon: float64(it.Y), Alt: float64(it.Z)}
	default:
		return
	}
	if home.Lat == 0 && home.Lon == 0 {
		return
	}
	s.mu.Lock()
	s.home = &home
	s.mu.Unlock()
}

// UploadCommands replaces the onboard mission with cmds, serving item
// requests until the vehicle acknowledges the transfer.
func (s *Session) UploadCommands(ctx context.Context, cmds []vehicle.Command, timeout time.Duration) error {
	ch, cancel := s.subscribe(func(m message.Message) bool {
		switch m.(type) {
		case *common.MessageMissionRequestInt, *common.MessageMissionRequest, *common.MessageMissionAck:
			return true
		}
		return false
	})
	defer cancel()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	retry := time.NewTicker(s.opts.RetryInterval)
	defer retry.Stop()

	sys, comp := s.target()
	sendCount := func() error {
		return s.write(&common.MessageMissionCount{TargetSystem: sys, TargetComponent: comp, Count: uint16(len(cmds))})
	}
	if err := sendCount(); err != nil {
		return err
	}

	requested := false
	for {
		select {
		case msg := <-ch:
			seq := -1
			switch m := msg.(type) {
			case *common.MessageMissionRequestInt:
				seq = int(m.Seq)
			case *common.MessageMissionRequest:
				seq = int(m.Seq)
			case *common.MessageMissionAck:
				if m.Type != 0 {
					return fmt.Errorf("mission rejected with result %d", int(m.Type))
				}
				s.log.Debug("mission upload acknowledged", slog.Int("count", len(cmds)))
				return nil
			}
			if seq < 0 || seq >= len(cmds) {
				continue
			}
			requested = true
			if err := s.write(missionItem(sys, comp, seq, cmds[seq])); err != nil {
				return err
			}
		case <-retry.C:
			if err := s.alive(); err != nil {
				return err
			}
			if !requested {
				if err := sendCount(); err != nil {
					return err
				}
			}
		case <-deadline.C:
			return vehicle.ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errClosed
		}
	}
}

func missionItem(sys, comp byte, seq int, c vehicle.Command) *common.MessageMissionItemInt {
	return &common.MessageMissionItemInt{
		TargetSystem:    sys,
		TargetComponent: comp,
		Seq:             uint16(seq),
		Frame:           common.MAV_FRAME(c.Frame),
		Command:         common.MAV_CMD(c.Command),
		Autocontinue:    1,
		Param1:          float32(c.Param1),
		Param2:          float32(c.Param2),
		Param3:          float32(c.Param3),
		Param4:          float32(c.Param4),
		X:               int32(math.Round(c.X * degE7)),
		Y:               int32(math.Round(c.Y * degE7)),
		Z:               float32(c.Z),
	}
}

func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ModeName(s.kind, s.customMode)
}

// SetMode requests a custom mode. It does not wait for the heartbeat to
// reflect the change.
func (s *Session) SetMode(ctx context.Context, mode string) error {
	n, err := ModeNumber(s.Kind(), mode)
	if err != nil {
		return err
	}
	sys, _ := s.target()
	return s.write(&common.MessageSetMode{
		TargetSystem: sys,
		BaseMode:     common.MAV_MODE(customModeFlag),
		CustomMode:   n,
	})
}

func (s *Session) SendCommand(ctx context.Context, cmd vehicle.CommandLong) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sys, comp := s.target()
	p := cmd.Params
	return s.write(&common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         common.MAV_CMD(cmd.Command),
		Param1:          float32(p[0]),
		Param2:          float32(p[1]),
		Param3:          float32(p[2]),
		Param4:          float32(p[3]),
		Param5:          float32(p[4]),
		Param6:          float32(p[5]),
		Param7:          float32(p[6]),
	})
}

func (s *Session) NextCommand() (int, error) {
	if err := s.alive(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *Session) Location() vehicle.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *Session) AddListener(name string, fn vehicle.Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.listeners[name] == nil {
		s.listeners[name] = map[int]vehicle.Listener{}
	}
	s.listeners[name][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners[name], id)
			s.mu.Unlock()
		})
	}
}

// SetParameter writes a REAL32 parameter and waits for the echoed value.
func (s *Session) SetParameter(ctx context.Context, name string, value float64) error {
	ch, cancel := s.subscribe(func(m message.Message) bool {
		pv, ok := m.(*common.MessageParamValue)
		return ok && pv.ParamId == name
	})
	defer cancel()
	deadline := time.NewTimer(defaultParamTimeout)
	defer deadline.Stop()

	sys, comp := s.target()
	want := float32(value)
	_, err := s.exchange(ctx, deadline.C, ch,
		func() error {
			return s.write(&common.MessageParamSet{
				TargetSystem:    sys,
				TargetComponent: comp,
				ParamId:         name,
				ParamValue:      want,
				ParamType:       common.MAV_PARAM_TYPE(paramReal32),
			})
		},
		func(m message.Message) bool {
			return m.(*common.MessageParamValue).ParamValue == want
		})
	if err != nil {
		return fmt.Errorf("set parameter %s=%g: %w", name, value, err)
	}
	s.log.Debug("set parameter", slog.String("name", name), slog.Float64("value", value))
	return nil
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.node.Close()
		<-s.exited
	})
	return nil
}

