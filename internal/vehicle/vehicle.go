// Package vehicle defines the protocol session a trial drives, and the
// small value types shared by missions, attacks and monitors.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrConnectionLost is returned once the vehicle has been silent for
	// longer than the session's liveness timeout.
	ErrConnectionLost = errors.New("lost connection to vehicle")
	// ErrTimeout is returned when a request/response exchange with the
	// vehicle is not completed in time.
	ErrTimeout = errors.New("vehicle did not respond in time")
)

// DefaultHeartbeatTimeout is the liveness window of a session.
const DefaultHeartbeatTimeout = 15 * time.Second

// Event names understood by Session.AddListener.
const (
	EventStatusText     = "STATUSTEXT"
	EventMissionCurrent = "MISSION_CURRENT"
)

// Custom mode names used by trials.
const (
	ModeAuto   = "AUTO"
	ModeGuided = "GUIDED"
)

// MAV_CMD values sent by trials.
const (
	CmdMissionStart = 300
)

// Command is one mission item.
type Command struct {
	Frame   int     `json:"frame"`
	Command int     `json:"command"`
	Param1  float64 `json:"param1"`
	Param2  float64 `json:"param2"`
	Param3  float64 `json:"param3"`
	Param4  float64 `json:"param4"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
}

// CommandLong is an immediate MAV_CMD addressed to the vehicle.
type CommandLong struct {
	Command int
	Params  [7]float64
}

// Location is a global position: degrees and metres.
type Location struct {
	Lat float64
	Lon float64
	Alt float64
}

func (l Location) String() string {
	return fmt.Sprintf("(%.7f, %.7f, %.2f)", l.Lat, l.Lon, l.Alt)
}

// HomeLocation is the launch point handed to the simulator.
type HomeLocation struct {
	Lat     float64
	Lon     float64
	Alt     float64
	Heading float64
}

// Location drops the heading.
func (h HomeLocation) Location() Location {
	return Location{Lat: h.Lat, Lon: h.Lon, Alt: h.Alt}
}

// metresPerDegree matches ArduPilot's autotest helpers.
const metresPerDegree = 1.113195e5

// Distance is the planar ground distance in metres between a and b. It
// ignores altitude and longitude convergence, so it is only meaningful for
// short ranges away from the poles.
func Distance(a, b Location) float64 {
	dLat := b.Lat - a.Lat
	dLon := b.Lon - a.Lon
	return math.Sqrt(dLat*dLat+dLon*dLon) * metresPerDegree
}

// Event is a named telemetry notification.
type Event struct {
	Name string
	// Seq is set for MISSION_CURRENT.
	Seq int
	// Text is set for STATUSTEXT.
	Text string
}

// Listener receives events on the session's reader goroutine and must not
// block.
type Listener func(Event)

// Session is one connection to a vehicle. Sessions are not shared between
// trial components.
type Session interface {
	IsArmable() bool
	Armed() bool
	// Arm requests the vehicle to arm (or disarm) without waiting for it.
	Arm(ctx context.Context, armed bool) error
	HomeLocation() (Location, bool)
	// DownloadCommands requests the onboard mission and blocks until it has
	// been received, which also refreshes the home location.
	DownloadCommands(ctx context.Context, timeout time.Duration) error
	// UploadCommands replaces the onboard mission and blocks until the
	// vehicle acknowledges it.
	UploadCommands(ctx context.Context, cmds []Command, timeout time.Duration) error
	Mode() string
	SetMode(ctx context.Context, mode string) error
	SendCommand(ctx context.Context, cmd CommandLong) error
	// NextCommand is the index of the mission item the vehicle is heading
	// for. It fails with ErrConnectionLost once the vehicle goes silent.
	NextCommand() (int, error)
	Location() Location
	// AddListener subscribes fn to the named event and returns a func that
	// removes it.
	AddListener(name string, fn Listener) (remove func())
	// SetParameter writes a parameter and waits for the vehicle to echo it.
	SetParameter(ctx context.Context, name string, value float64) error
	Close() error
}

// Dialer opens a session against an endpoint address such as
// "udp:127.0.0.1:13000".
type Dialer func(ctx context.Context, address string) (Session, error)
