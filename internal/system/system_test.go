package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShutdownDelay(t *testing.T) {
	tests := []struct {
		name    string
		when    string
		delay   time.Duration
		ok      bool
		wantErr bool
	}{
		{name: "now", when: "now", delay: 0, ok: true},
		{name: "plus minutes", when: "+10", delay: 10 * time.Minute, ok: true},
		{name: "plus zero", when: "+0", delay: 0, ok: true},
		{name: "clock time", when: "03:30", ok: false},
		{name: "negative", when: "+-1", wantErr: true},
		{name: "garbage", when: "later", wantErr: true},
		{name: "bad clock", when: "25:00", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, ok, err := ParseShutdownDelay(tt.when)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.delay, delay)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestShutdownExecutorRunsShutdown(t *testing.T) {
	var gotName string
	var gotArgs []string
	exec := &ShutdownExecutor{
		Log: logrus.New(),
		Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			gotName, gotArgs = name, args
			return nil, nil
		},
	}

	require.NoError(t, exec.Schedule(context.Background(), "+10"))
	assert.Equal(t, "shutdown", gotName)
	assert.Equal(t, []string{"-r", "+10"}, gotArgs)
}

func TestShutdownExecutorDryRunDoesNotRun(t *testing.T) {
	exec := &ShutdownExecutor{
		Log:    logrus.New(),
		DryRun: true,
		Run: func(context.Context, string, ...string) ([]byte, error) {
			t.Fatal("dry run must not execute shutdown")
			return nil, nil
		},
	}
	assert.NoError(t, exec.Schedule(context.Background(), "now"))
}

func TestShutdownExecutorWrapsFailure(t *testing.T) {
	boom := errors.New("permission denied")
	exec := &ShutdownExecutor{
		Log: logrus.New(),
		Run: func(context.Context, string, ...string) ([]byte, error) { return nil, boom },
	}
	err := exec.Schedule(context.Background(), "now")
	assert.ErrorIs(t, err, boom)
}

func TestPretendUptime(t *testing.T) {
	days, err := ParsePretend("ceph1=50, ceph2=10.5")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"ceph1": 50, "ceph2": 10.5}, days)

	src := PretendUptime{Source: FixedUptime(time.Hour), Days: days, Host: "ceph1"}
	up, err := src.Uptime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50*24*time.Hour, up)

	src.Host = "ceph3"
	up, err = src.Uptime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, up)
}

func TestParsePretendRejectsMalformed(t *testing.T) {
	for _, in := range []string{"ceph1", "=5", "ceph1=abc", "ceph1=-2"} {
		_, err := ParsePretend(in)
		assert.Error(t, err, in)
	}
}

func TestDays(t *testing.T) {
	assert.Equal(t, 1.5, Days(36*time.Hour))
}
