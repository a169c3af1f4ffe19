package remoteapp

import (
	"os"
	"testing"
	"time"

	"github.com/farm/telemetry/internal/link"
	"github.com/farm/telemetry/internal/radio"
	"github.com/farm/telemetry/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "remoteapp-*.db")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	f.Close()
	st, err := store.Open(f.Name())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func t0() time.Time { return time.Unix(1_700_000_000, 0) }

func tickBoth(t *testing.T, a *App, master *link.Engine, now time.Time) {
	t.Helper()
	a.Tick(now)
	master.Tick(now)
}

func TestRemoteAppConnectsAndReportsTelemetry(t *testing.T) {
	medium := radio.NewMedium()
	remoteRadio := radio.NewLoopback(medium)
	masterRadio := radio.NewLoopback(medium)

	st := openTestStore(t)
	cfg := DefaultConfig()
	cfg.SelfID = 2
	cfg.MasterID = 1
	app := New(cfg, remoteRadio, radio.DefaultConfig(), st)

	master := link.New(link.Master, 1, 0, masterRadio, radio.DefaultConfig(), link.DefaultConfig())
	var received []byte
	master.SetOnDataReceived(func(now time.Time, src link.NodeID, payload []byte) {
		received = append([]byte(nil), payload...)
	})
	if err := master.Begin(); err != nil {
		t.Fatalf("master.Begin: %v", err)
	}

	now := t0()
	if err := app.Begin(now); err != nil {
		t.Fatalf("app.Begin: %v", err)
	}

	for i := 0; i < 2000 && !app.LinkEngine().IsConnected(); i++ {
		now = now.Add(50 * time.Millisecond)
		tickBoth(t, app, master, now)
	}
	if !app.LinkEngine().IsConnected() {
		t.Fatalf("remote app never connected to master")
	}

	// Run long enough for a sensors + lora_tx cycle to fire and deliver.
	for i := 0; i < 400; i++ {
		now = now.Add(50 * time.Millisecond)
		tickBoth(t, app, master, now)
		if received != nil {
			break
		}
	}
	if received == nil {
		t.Fatalf("master never received a telemetry payload")
	}
	if len(received) == 0 {
		t.Fatalf("telemetry payload was empty")
	}
}

func TestLastResetAtSurvivesRestart(t *testing.T) {
	st := openTestStore(t)
	cfg := DefaultConfig()
	cfg.SelfID = 4
	cfg.MasterID = 1

	now := t0()
	app := New(cfg, radio.NewLoopback(nil), radio.DefaultConfig(), st)
	if err := app.Begin(now); err != nil {
		t.Fatalf("app.Begin: %v", err)
	}
	app.handleResetWaterVolume(now)

	restarted := New(cfg, radio.NewLoopback(nil), radio.DefaultConfig(), st)
	if err := restarted.Begin(now.Add(time.Minute)); err != nil {
		t.Fatalf("restarted.Begin: %v", err)
	}
	if !restarted.lastResetAt.Equal(now) {
		t.Errorf("lastResetAt after restart = %v, want %v", restarted.lastResetAt, now)
	}
}

func TestResetWaterVolumeCommandClearsState(t *testing.T) {
	medium := radio.NewMedium()
	remoteRadio := radio.NewLoopback(medium)
	masterRadio := radio.NewLoopback(medium)

	st := openTestStore(t)
	cfg := DefaultConfig()
	cfg.SelfID = 3
	cfg.MasterID = 1
	app := New(cfg, remoteRadio, radio.DefaultConfig(), st)

	master := link.New(link.Master, 1, 0, masterRadio, radio.DefaultConfig(), link.DefaultConfig())
	if err := master.Begin(); err != nil {
		t.Fatalf("master.Begin: %v", err)
	}

	now := t0()
	if err := app.Begin(now); err != nil {
		t.Fatalf("app.Begin: %v", err)
	}

	for i := 0; i < 2000 && !app.LinkEngine().IsConnected(); i++ {
		now = now.Add(50 * time.Millisecond)
		tickBoth(t, app, master, now)
	}
	if !app.LinkEngine().IsConnected() {
		t.Fatalf("remote app never connected")
	}

	app.IncrementErrorCount()
	app.IncrementErrorCount()
	if app.errorCount != 2 {
		t.Fatalf("errorCount = %d, want 2", app.errorCount)
	}

	for i := 0; i < 100; i++ {
		app.pulse.OnEdge()
	}
	app.pulse.Read(now)
	if app.pulse.TotalPulses() != 100 {
		t.Fatalf("setup: TotalPulses = %d, want 100", app.pulse.TotalPulses())
	}

	if !master.SendData(cfg.SelfID, []byte{0x01}, true) {
		t.Fatalf("master failed to enqueue reset command")
	}

	delivered := false
	for i := 0; i < 400; i++ {
		now = now.Add(50 * time.Millisecond)
		tickBoth(t, app, master, now)
		if app.pulse.TotalPulses() == 0 && app.errorCount == 0 {
			delivered = true
			break
		}
	}
	if !delivered {
		t.Fatalf("reset command was never delivered/handled")
	}
}
