package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/ipmictl/internal/config"
	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/ipmi"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/monitor"
	"codeberg.org/mutker/ipmictl/internal/output"
	"codeberg.org/mutker/ipmictl/internal/sensor"
	"codeberg.org/mutker/ipmictl/internal/state"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBMC = errors.New().WithMessage(errors.ErrHardware, "bmc unreachable")

type fakeTransport struct {
	mu           sync.Mutex
	calls        []string
	speeds       []int
	connectFails int
	connects     int
	automaticErr error
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) Kind() string { return "fake" }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) TestConnection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.connectFails {
		return errBMC
	}
	return nil
}

func (f *fakeTransport) ReadTemperatureSensors(context.Context) ([]sensor.Reading, error) {
	return []sensor.Reading{
		{ID: "0Eh", Name: "Inlet Temp", Value: 24, Unit: "degrees C", Status: "ok"},
		{ID: "0Fh", Name: "Temp", Value: 65, Unit: "degrees C", Status: "ok"},
	}, nil
}

func (f *fakeTransport) ReadFanSensors(context.Context) ([]sensor.Reading, error) {
	return []sensor.Reading{{ID: "30h", Name: "Fan1", Value: 3600, Unit: "RPM", Status: "ok"}}, nil
}

func (f *fakeTransport) SetManualMode(context.Context) error {
	f.record("manual")
	return nil
}

func (f *fakeTransport) SetAutomaticMode(context.Context) error {
	f.record("automatic")
	return f.automaticErr
}

func (f *fakeTransport) SetFanSpeed(_ context.Context, pct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "speed")
	f.speeds = append(f.speeds, pct)
	return nil
}

func (f *fakeTransport) snapshot() (calls []string, speeds []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]int(nil), f.speeds...)
}

func (f *fakeTransport) count(call string) int {
	calls, _ := f.snapshot()
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}

func newTestApp(t *testing.T, ft *fakeTransport, args ...string) (*app, *bytes.Buffer) {
	t.Helper()

	cfg, err := config.Load(append([]string{"--state-db="}, args...), config.WithEnvPrefix("IPMICTL_TEST"))
	require.NoError(t, err)

	format, err := output.ParseFormat(cfg.Output)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	a := newApp(cfg, output.New(buf, format), logger.Nop(), ft)
	a.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	t.Cleanup(a.close)

	return a, buf
}

func TestStatusJSON(t *testing.T) {
	ft := &fakeTransport{}
	a, buf := newTestApp(t, ft, "-o", "json", "status")

	require.NoError(t, a.dispatch(context.Background()))

	var got struct {
		Fans []sensor.Reading `json:"fans"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got.Fans, 1)
	assert.Equal(t, "Fan1", got.Fans[0].Name)
	assert.Equal(t, 3600.0, got.Fans[0].Value)
}

func TestTempTable(t *testing.T) {
	ft := &fakeTransport{}
	a, buf := newTestApp(t, ft, "temp")

	require.NoError(t, a.dispatch(context.Background()))
	assert.Contains(t, buf.String(), "Temperature Sensors")
	assert.Contains(t, buf.String(), "Inlet Temp")
}

func TestConnectRetries(t *testing.T) {
	ft := &fakeTransport{connectFails: 2}
	a, _ := newTestApp(t, ft, "status")

	require.NoError(t, a.dispatch(context.Background()))
	assert.Equal(t, 3, ft.connects)
}

func TestConnectGivesUp(t *testing.T) {
	ft := &fakeTransport{connectFails: 100}
	a, _ := newTestApp(t, ft, "status")

	err := a.dispatch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrConnectionTest))
	assert.True(t, errors.IsHardware(err))
	assert.Equal(t, connectRetries, ft.connects)
}

func TestSetWithoutAutoRestore(t *testing.T) {
	ft := &fakeTransport{}
	a, buf := newTestApp(t, ft, "--auto-restore=false", "set", "45")

	require.NoError(t, a.dispatch(context.Background()))
	a.close()

	_, speeds := ft.snapshot()
	assert.Equal(t, []int{45}, speeds)
	assert.Zero(t, ft.count("automatic"))
	assert.Contains(t, buf.String(), "Fan speed set to 45%")
}

func TestSetHoldsUntilInterrupted(t *testing.T) {
	ft := &fakeTransport{}
	a, _ := newTestApp(t, ft, "set", "45")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.dispatch(ctx) }()

	assert.Eventually(t, func() bool {
		_, speeds := ft.snapshot()
		return len(speeds) == 1
	}, time.Second, time.Millisecond)
	assert.Zero(t, ft.count("automatic"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("set did not return after interrupt")
	}

	a.close()
	assert.Equal(t, 1, ft.count("automatic"))
}

func TestSetRejectsInvalidSpeed(t *testing.T) {
	for _, arg := range []string{"150", "-1", "fast"} {
		t.Run(arg, func(t *testing.T) {
			ft := &fakeTransport{}
			a, _ := newTestApp(t, ft, "--", "set", arg)

			err := a.dispatch(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))

			_, speeds := ft.snapshot()
			assert.Empty(t, speeds)
		})
	}
}

func TestAuto(t *testing.T) {
	ft := &fakeTransport{}
	a, buf := newTestApp(t, ft, "-o", "yaml", "auto")

	require.NoError(t, a.dispatch(context.Background()))
	assert.Equal(t, 1, ft.count("automatic"))
	assert.Contains(t, buf.String(), "mode: automatic")
}

func TestFullCompatibilityTest(t *testing.T) {
	fanSettleTime = 0
	defer func() { fanSettleTime = 2 * time.Second }()

	ft := &fakeTransport{}
	a, buf := newTestApp(t, ft, "--full", "test")

	require.NoError(t, a.dispatch(context.Background()))
	a.close()

	calls, speeds := ft.snapshot()
	assert.Equal(t, []string{"manual", "speed", "automatic"}, calls)
	assert.Equal(t, []int{testFanSpeed}, speeds)
	assert.Contains(t, buf.String(), "Compatibility test passed")
}

func TestPIDRestoresPreviousSession(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")

	journal, err := state.Open(state.Config{DBPath: dbPath, Enabled: true}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, journal.Save(context.Background(), state.Record{Mode: state.ModeManual, FanSpeed: 80}))
	require.NoError(t, journal.Close())

	ft := &fakeTransport{}
	a, buf := newTestApp(t, ft,
		"--state-db", dbPath,
		"--pid-file", filepath.Join(dir, "ipmictl.pid"),
		"--interval", "0.01",
		"--runtime", "0.1",
		"pid",
	)

	require.NoError(t, a.dispatch(context.Background()))

	calls, speeds := ft.snapshot()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, []string{"automatic", "manual"}, calls[:2])
	assert.Equal(t, "automatic", calls[len(calls)-1])
	assert.NotEmpty(t, speeds)
	assert.Equal(t, 2, ft.count("automatic"))
	assert.Contains(t, buf.String(), "Fan: ")
	assert.Contains(t, buf.String(), "PID temperature control stopped")

	a.close()
	assert.Equal(t, 2, ft.count("automatic"))
	assert.NoFileExists(t, filepath.Join(dir, "ipmictl.pid"))

	journal, err = state.Open(state.Config{DBPath: dbPath, Enabled: true}, logger.Nop())
	require.NoError(t, err)
	defer journal.Close()

	rec, ok, err := journal.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.ModeAutomatic, rec.Mode)
}

func TestControllerGainsFollowInterval(t *testing.T) {
	cfg, err := config.Load([]string{"--interval", "30", "--kp", "0.1", "--ki", "0.02", "--kd", "0.01", "pid"},
		config.WithEnvPrefix("IPMICTL_TEST"))
	require.NoError(t, err)

	ctrl := newController(cfg)
	mon := monitor.New(&fakeTransport{}, ctrl, monitor.Config{}, logger.Nop())
	require.NoError(t, mon.Start(context.Background(),
		monitor.WithTarget(cfg.Target),
		monitor.WithInterval(cfg.Interval),
	))
	defer mon.Stop()

	tunings := ctrl.Tunings()
	assert.InDelta(t, 0.1, tunings.Kp, 1e-9)
	assert.InDelta(t, 0.6, tunings.Ki, 1e-9)
	assert.InDelta(t, 0.01/30, tunings.Kd, 1e-9)
	assert.Equal(t, 30*time.Second, ctrl.SampleTime())
}

func TestUnknownTransport(t *testing.T) {
	_, err := config.Load([]string{"--transport", "rmcp", "status"}, config.WithEnvPrefix("IPMICTL_TEST"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

var _ ipmi.Transport = (*fakeTransport)(nil)
