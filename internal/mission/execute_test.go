package mission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ardutrial/internal/timectrl"
	"ardutrial/internal/vehicle"
	"ardutrial/internal/vehicle/vehicletest"
)

var testHome = vehicle.Location{Lat: -35.363262, Lon: 149.165237, Alt: 584.09}

func threeWaypoints(t *testing.T) *Mission {
	t.Helper()
	m, err := New("/missions/three.waypoints", []vehicle.Command{
		{Command: 16, X: testHome.Lat, Y: testHome.Lon, Z: testHome.Alt},
		{Frame: 3, Command: 22, Z: 20},
		{Frame: 3, Command: 16, X: -35.3629, Y: 149.1655, Z: 20},
	})
	require.NoError(t, err)
	return m
}

func newVehicle() (*timectrl.Manual, *vehicletest.Vehicle) {
	clk := timectrl.NewManual(time.Unix(0, 0))
	return clk, vehicletest.New(clk, testHome)
}

func TestIssue(t *testing.T) {
	clk, v := newVehicle()
	v.ArmableAfter = 300 * time.Millisecond
	v.ArmDelay = 200 * time.Millisecond
	m := threeWaypoints(t)

	err := m.Issue(context.Background(), v.Session(), 5*time.Second, Options{Clock: clk})
	require.NoError(t, err)

	assert.Equal(t, m.Commands(), v.Uploaded())
	assert.Equal(t, vehicle.ModeAuto, v.ModeName())

	sent := v.SentCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, vehicle.CmdMissionStart, sent[0].Command)
	assert.Equal(t, [7]float64{1, 4, 0, 0, 0, 0, 4}, sent[0].Params)
}

func TestIssueSetupTimeouts(t *testing.T) {
	testCases := []struct {
		name      string
		configure func(v *vehicletest.Vehicle)
		want      error
	}{
		{name: "never armable", configure: func(v *vehicletest.Vehicle) { v.NeverArmable = true }},
		{name: "armable too late", configure: func(v *vehicletest.Vehicle) { v.ArmableAfter = time.Minute }},
		{name: "home download times out", configure: func(v *vehicletest.Vehicle) { v.DownloadTimesOut = true }, want: vehicle.ErrTimeout},
		{name: "never arms", configure: func(v *vehicletest.Vehicle) { v.NeverArms = true }},
		{name: "upload times out", configure: func(v *vehicletest.Vehicle) { v.UploadTimesOut = true }, want: vehicle.ErrTimeout},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clk, v := newVehicle()
			tc.configure(v)
			start := clk.Now()

			err := threeWaypoints(t).Issue(context.Background(), v.Session(), 2*time.Second, Options{Clock: clk})
			require.ErrorIs(t, err, ErrSetupTimeout)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
			}
			assert.Empty(t, v.SentCommands())
			assert.Less(t, clk.Now().Sub(start), 3*time.Second)
		})
	}
}

func TestIssueHonoursCancellation(t *testing.T) {
	clk, v := newVehicle()
	v.NeverArmable = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := threeWaypoints(t).Issue(ctx, v.Session(), time.Minute, Options{Clock: clk})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecute(t *testing.T) {
	clk, v := newVehicle()
	v.Script = []vehicletest.Step{
		{At: 500 * time.Millisecond, Cursor: 1},
		{At: time.Second, Cursor: 2},
		{At: 1500 * time.Millisecond, Cursor: 0},
	}
	m := threeWaypoints(t)
	s := v.Session()

	start := clk.Now()
	err := m.Execute(context.Background(), s, 5*time.Second, 10*time.Second, Options{Clock: clk})
	require.NoError(t, err)

	elapsed := clk.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Zero(t, v.Listeners(vehicle.EventStatusText), "STATUSTEXT listener must be removed")
}

func TestExecuteMissionTimeouts(t *testing.T) {
	testCases := []struct {
		name   string
		script []vehicletest.Step
	}{
		{name: "never starts", script: nil},
		{name: "never finishes", script: []vehicletest.Step{{At: 500 * time.Millisecond, Cursor: 1}, {At: time.Second, Cursor: 2}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clk, v := newVehicle()
			v.Script = tc.script

			err := threeWaypoints(t).Execute(context.Background(), v.Session(), 5*time.Second, 3*time.Second, Options{Clock: clk})
			require.ErrorIs(t, err, ErrMissionTimeout)
			assert.Zero(t, v.Listeners(vehicle.EventStatusText))
		})
	}
}

func TestExecuteFailsOnConnectionLoss(t *testing.T) {
	clk, v := newVehicle()
	v.Script = []vehicletest.Step{{At: 500 * time.Millisecond, Cursor: 1}}
	clk.OnAdvance(func(now time.Time) {
		if now.Sub(time.Unix(0, 0)) > 2*time.Second {
			v.LoseConnection()
		}
	})

	err := threeWaypoints(t).Execute(context.Background(), v.Session(), 5*time.Second, time.Minute, Options{Clock: clk})
	require.ErrorIs(t, err, vehicle.ErrConnectionLost)
	assert.NotErrorIs(t, err, ErrMissionTimeout)
}

func TestExecuteLogsStatusText(t *testing.T) {
	clk, v := newVehicle()
	v.Script = []vehicletest.Step{{At: 200 * time.Millisecond, Cursor: 1}, {At: 400 * time.Millisecond, Cursor: 0}}
	seen := 0
	clk.OnAdvance(func(time.Time) {
		if v.Listeners(vehicle.EventStatusText) > 0 {
			seen++
			v.StatusText("Reached command #1")
		}
	})

	require.NoError(t, threeWaypoints(t).Execute(context.Background(), v.Session(), time.Second, time.Second, Options{Clock: clk}))
	assert.Positive(t, seen)
}
