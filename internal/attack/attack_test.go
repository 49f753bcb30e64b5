package attack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ardutrial/internal/timectrl"
	"ardutrial/internal/utils"
	"ardutrial/internal/vehicle"
	"ardutrial/internal/vehicle/vehicletest"
)

func TestFromRecord(t *testing.T) {
	testCases := []struct {
		name    string
		rec     utils.Record
		want    Attack
		wantErr bool
	}{
		{
			name: "yaml ints",
			rec:  utils.Record{"parameter": "SIM_GPS_DISABLE", "value": 1, "waypoint": 2},
			want: Attack{Parameter: "SIM_GPS_DISABLE", Value: 1, Waypoint: 2},
		},
		{
			name: "json numbers",
			rec:  utils.Record{"parameter": "FENCE_ENABLE", "value": float64(0), "waypoint": float64(4)},
			want: Attack{Parameter: "FENCE_ENABLE", Value: 0, Waypoint: 4},
		},
		{name: "missing waypoint", rec: utils.Record{"parameter": "X", "value": 1}, wantErr: true},
		{name: "non-string parameter", rec: utils.Record{"parameter": 3, "value": 1, "waypoint": 1}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FromRecord(tc.rec)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func setup() (*timectrl.Manual, *vehicletest.Vehicle) {
	clk := timectrl.NewManual(time.Unix(0, 0))
	return clk, vehicletest.New(clk, vehicle.Location{Lat: -35.36, Lon: 149.16})
}

func TestWatcherDeliversExactlyOnce(t *testing.T) {
	clk, v := setup()
	w := NewWatcher(Attack{Parameter: "SIM_GPS_DISABLE", Value: 1, Waypoint: 2}, v.Session(), Options{Clock: clk})
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		clk.Advance(DefaultInterval)
	}
	v.SetCursor(1)
	for i := 0; i < 5; i++ {
		clk.Advance(DefaultInterval)
	}
	assert.Empty(t, v.ParamWrites(), "must not fire before the trigger waypoint")

	v.SetCursor(3)
	require.Eventually(t, func() bool {
		clk.Advance(DefaultInterval)
		return w.Delivered()
	}, 2*time.Second, time.Millisecond)

	v.SetCursor(4)
	for i := 0; i < 10; i++ {
		clk.Advance(DefaultInterval)
	}
	writes := v.ParamWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, "SIM_GPS_DISABLE", writes[0].Name)
	assert.Equal(t, 1.0, writes[0].Value)
}

func TestWatcherGivesUpOnConnectionLoss(t *testing.T) {
	clk, v := setup()
	v.LoseConnection()
	v.SetCursor(5)

	w := NewWatcher(Attack{Parameter: "P", Value: 1, Waypoint: 0}, v.Session(), Options{Clock: clk})
	w.Start()
	require.Eventually(t, func() bool {
		clk.Advance(DefaultInterval)
		select {
		case <-w.done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	w.Stop()

	assert.False(t, w.Delivered())
	assert.Empty(t, v.ParamWrites())
}

func TestWatcherStopBeforeTrigger(t *testing.T) {
	_, v := setup()
	w := NewWatcher(Attack{Parameter: "P", Value: 1, Waypoint: 3}, v.Session(), Options{Interval: 5 * time.Millisecond})
	w.Start()
	time.Sleep(30 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, w.Delivered())
	w.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	_, v := setup()
	w := NewWatcher(Attack{Parameter: "P", Waypoint: 1}, v.Session(), Options{})
	w.Stop()
	w.Start()
	assert.False(t, w.Delivered())
}

func TestWait(t *testing.T) {
	_, v := setup()
	v.SetCursor(2)
	var dialled []string

	w, release := Wait(context.Background(), Attack{Parameter: "P", Value: 7, Waypoint: 1}, "udp:127.0.0.1:13001",
		v.Dialer(&dialled), Options{Interval: 5 * time.Millisecond})
	require.NotNil(t, w)
	require.Eventually(t, w.Delivered, time.Second, 5*time.Millisecond)
	release()

	assert.Equal(t, []string{"udp:127.0.0.1:13001"}, dialled)
	assert.Zero(t, v.OpenSessions())
	val, ok := v.Param("P")
	require.True(t, ok)
	assert.Equal(t, 7.0, val)
}

func TestWaitDialFailure(t *testing.T) {
	dial := func(context.Context, string) (vehicle.Session, error) {
		return nil, errors.New("no heartbeat")
	}
	w, release := Wait(context.Background(), Attack{Parameter: "P"}, "udp:127.0.0.1:1", dial, Options{})
	assert.Nil(t, w)
	require.NotPanics(t, release)
}
