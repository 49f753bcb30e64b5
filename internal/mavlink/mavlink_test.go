package mavlink

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ardutrial/internal/vehicle"
)

func TestEndpoint(t *testing.T) {
	testCases := []struct {
		address string
		want    gomavlib.EndpointConf
	}{
		{address: "udp:127.0.0.1:14550", want: gomavlib.EndpointUDPServer{Address: "127.0.0.1:14550"}},
		{address: "udpin:0.0.0.0:14550", want: gomavlib.EndpointUDPServer{Address: "0.0.0.0:14550"}},
		{address: "udpout:10.0.0.2:14550", want: gomavlib.EndpointUDPClient{Address: "10.0.0.2:14550"}},
		{address: "tcp:sitl:5760", want: gomavlib.EndpointTCPClient{Address: "sitl:5760"}},
		{address: "TCPIN:127.0.0.1:5760", want: gomavlib.EndpointTCPServer{Address: "127.0.0.1:5760"}},
	}
	for _, tc := range testCases {
		t.Run(tc.address, func(t *testing.T) {
			got, err := Endpoint(tc.address)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEndpointRejects(t *testing.T) {
	for _, address := range []string{
		"127.0.0.1:14550",
		"serial:/dev/ttyUSB0:57600",
		"udp:127.0.0.1",
		"udp:127.0.0.1:0",
		"udp:127.0.0.1:99999",
		"tcp:host:port",
	} {
		_, err := Endpoint(address)
		assert.Error(t, err, address)
	}
}

func TestUDPAddress(t *testing.T) {
	assert.Equal(t, "udp:127.0.0.1:13000", UDPAddress(13000))
}

func TestModeTables(t *testing.T) {
	testCases := []struct {
		kind Kind
		name string
		num  uint32
	}{
		{KindCopter, "AUTO", 3},
		{KindCopter, "GUIDED", 4},
		{KindCopter, "RTL", 6},
		{KindPlane, "AUTO", 10},
		{KindPlane, "GUIDED", 15},
		{KindRover, "AUTO", 10},
		{KindRover, "HOLD", 4},
	}
	for _, tc := range testCases {
		n, err := ModeNumber(tc.kind, tc.name)
		require.NoError(t, err)
		assert.Equal(t, tc.num, n, "%s %s", tc.kind, tc.name)
		assert.Equal(t, tc.name, ModeName(tc.kind, tc.num))
	}

	_, err := ModeNumber(KindCopter, "HOLD")
	assert.Error(t, err)
	assert.Equal(t, "MODE(99)", ModeName(KindCopter, 99))
	assert.Contains(t, ModeNames(KindRover), "HOLD")
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "NAV_WAYPOINT", CommandName(16))
	assert.Equal(t, "NAV_TAKEOFF", CommandName(22))
	assert.Equal(t, "NAV_RETURN_TO_LAUNCH", CommandName(20))
	assert.Equal(t, "GLOBAL_RELATIVE_ALT", FrameName(3))
}

func TestKindFromType(t *testing.T) {
	assert.Equal(t, KindPlane, kindFromType(1))
	assert.Equal(t, KindCopter, kindFromType(2))
	assert.Equal(t, KindCopter, kindFromType(13))
	assert.Equal(t, KindRover, kindFromType(10))
}

// autopilot is a minimal MAVLink peer that streams telemetry and answers
// parameter and mission transfers.
type autopilot struct {
	node *gomavlib.Node

	mu       sync.Mutex
	silent   bool
	received []*common.MessageMissionItemInt
	params   map[string]float32
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())
	return port
}

func startAutopilot(t *testing.T, port int) *autopilot {
	t.Helper()
	node := &gomavlib.Node{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointUDPClient{Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))},
		},
		Dialect:          common.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      1,
		OutComponentID:   1,
		HeartbeatDisable: true,
	}
	require.NoError(t, node.Initialize())
	ap := &autopilot{node: node, params: map[string]float32{}}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ap.mu.Lock()
				silent := ap.silent
				ap.mu.Unlock()
				if silent {
					continue
				}
				_ = node.WriteMessageAll(&common.MessageHeartbeat{
					Type:         common.MAV_TYPE(2),
					BaseMode:     common.MAV_MODE_FLAG(armedFlag | customModeFlag),
					CustomMode:   3,
					SystemStatus: common.MAV_STATE(4),
				})
				_ = node.WriteMessageAll(&common.MessageGpsRawInt{FixType: common.GPS_FIX_TYPE(3)})
				_ = node.WriteMessageAll(&common.MessageMissionCurrent{Seq: 2})
				_ = node.WriteMessageAll(&common.MessageGlobalPositionInt{Lat: -353632620, Lon: 1491652370, Alt: 604090})
			}
		}
	}()
	go func() {
		defer wg.Done()
		var count uint16
		for evt := range node.Events() {
			fr, ok := evt.(*gomavlib.EventFrame)
			if !ok {
				continue
			}
			switch m := fr.Frame.GetMessage().(type) {
			case *common.MessageParamSet:
				ap.mu.Lock()
				ap.params[m.ParamId] = m.ParamValue
				ap.mu.Unlock()
				_ = node.WriteMessageAll(&common.MessageParamValue{ParamId: m.ParamId, ParamValue: m.ParamValue, ParamType: m.ParamType})
			case *common.MessageMissionCount:
				count = m.Count
				ap.mu.Lock()
				ap.received = nil
				ap.mu.Unlock()
				_ = node.WriteMessageAll(&common.MessageMissionRequestInt{TargetSystem: 255, TargetComponent: 190, Seq: 0})
			case *common.MessageMissionItemInt:
				ap.mu.Lock()
				ap.received = append(ap.received, m)
				ap.mu.Unlock()
				if m.Seq+1 < count {
					_ = node.WriteMessageAll(&common.MessageMissionRequestInt{TargetSystem: 255, TargetComponent: 190, Seq: m.Seq + 1})
				} else {
					_ = node.WriteMessageAll(&common.MessageMissionAck{TargetSystem: 255, TargetComponent: 190})
				}
			case *common.MessageMissionRequestList:
				_ = node.WriteMessageAll(&common.MessageMissionCount{TargetSystem: 255, TargetComponent: 190, Count: 1})
			case *common.MessageMissionRequestInt:
				_ = node.WriteMessageAll(&common.MessageMissionItemInt{
					TargetSystem: 255, TargetComponent: 190, Seq: m.Seq,
					X: -353632620, Y: 1491652370, Z: 584.09,
				})
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		node.Close()
		wg.Wait()
	})
	return ap
}

func TestSessionAgainstAutopilot(t *testing.T) {
	port := freeUDPPort(t)
	ctx := context.Background()

	type dialed struct {
		s   *Session
		err error
	}
	ch := make(chan dialed, 1)
	go func() {
		s, err := Dial(ctx, UDPAddress(port), Options{
			ConnectTimeout:   5 * time.Second,
			HeartbeatTimeout: 300 * time.Millisecond,
			RetryInterval:    100 * time.Millisecond,
		})
		ch <- dialed{s, err}
	}()
	// The session listens; give it a moment to bind before the peer sends.
	time.Sleep(200 * time.Millisecond)
	ap := startAutopilot(t, port)

	d := <-ch
	require.NoError(t, d.err)
	s := d.s
	defer s.Close()

	assert.Equal(t, KindCopter, s.Kind())
	assert.Equal(t, vehicle.ModeAuto, s.Mode())
	assert.True(t, s.Armed())
	require.Eventually(t, s.IsArmable, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := s.NextCommand()
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	cursors := make(chan int, 16)
	remove := s.AddListener(vehicle.EventMissionCurrent, func(e vehicle.Event) {
		select {
		case cursors <- e.Seq:
		default:
		}
	})
	select {
	case seq := <-cursors:
		assert.Equal(t, 2, seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no MISSION_CURRENT event")
	}
	remove()

	t.Run("set parameter", func(t *testing.T) {
		require.NoError(t, s.SetParameter(ctx, "SIM_GPS_DISABLE", 1))
		ap.mu.Lock()
		defer ap.mu.Unlock()
		assert.Equal(t, float32(1), ap.params["SIM_GPS_DISABLE"])
	})

	t.Run("download sets home", func(t *testing.T) {
		require.NoError(t, s.DownloadCommands(ctx, 2*time.Second))
		home, ok := s.HomeLocation()
		require.True(t, ok)
		assert.InDelta(t, -35.363262, home.Lat, 1e-6)
		assert.InDelta(t, 149.165237, home.Lon, 1e-6)
	})

	t.Run("upload", func(t *testing.T) {
		cmds := []vehicle.Command{
			{Command: 16, X: -35.363262, Y: 149.165237, Z: 584},
			{Frame: 3, Command: 22, Z: 20},
			{Frame: 3, Command: 16, X: -35.3629, Y: 149.1655, Z: 20},
		}
		require.NoError(t, s.UploadCommands(ctx, cmds, 2*time.Second))
		ap.mu.Lock()
		defer ap.mu.Unlock()
		require.Len(t, ap.received, 3)
		assert.Equal(t, int32(-353629000), ap.received[2].X)
		assert.Equal(t, common.MAV_CMD(22), ap.received[1].Command)
	})

	t.Run("connection loss", func(t *testing.T) {
		ap.mu.Lock()
		ap.silent = true
		ap.mu.Unlock()
		require.Eventually(t, func() bool {
			_, err := s.NextCommand()
			return err != nil
		}, 2*time.Second, 20*time.Millisecond)
		_, err := s.NextCommand()
		assert.ErrorIs(t, err, vehicle.ErrConnectionLost)
	})

	require.NoError(t, s.Close())
	_, err := s.NextCommand()
	assert.ErrorIs(t, err, vehicle.ErrConnectionLost)
}

func TestDialTimesOutWithoutHeartbeat(t *testing.T) {
	port := freeUDPPort(t)
	_, err := Dial(context.Background(), UDPAddress(port), Options{ConnectTimeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, vehicle.ErrTimeout)
}
