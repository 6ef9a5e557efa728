package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"mapkvm/internal/device"
	"mapkvm/internal/input"
	"mapkvm/internal/keys"
)

type fakeDevice struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDevice) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeDevice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDevice) Tap(k keys.Key)     { f.record("tap " + k.String()) }
func (f *fakeDevice) Chord(c keys.Chord) { f.record("chord " + c.String()) }
func (f *fakeDevice) MoveBy(dx, dy int, slow bool) {
	f.record(fmt.Sprintf("move %d %d", dx, dy))
}
func (f *fakeDevice) ModifiedMoveBy(m device.Modifier, dx, dy int, slow bool) {
	f.record(fmt.Sprintf("move %s %d %d", m, dx, dy))
}
func (f *fakeDevice) Click(b device.Button) { f.record("click " + b.String()) }
func (f *fakeDevice) ToggleModifier(m device.Modifier) bool {
	f.record("toggle " + m.String())
	return true
}
func (f *fakeDevice) ReleaseAllModifiers() { f.record("release all") }

type fakeEngine struct{ running bool }

func (e *fakeEngine) IsRunning() bool { return e.running }

type fakeCorrector struct {
	got []Correction
}

func (c *fakeCorrector) Correct(actor string, corr Correction) {
	c.got = append(c.got, corr)
}

func newDriver() (*Driver, *fakeDevice, *fakeEngine, *fakeCorrector) {
	dev := &fakeDevice{}
	eng := &fakeEngine{running: true}
	corr := &fakeCorrector{}
	d := New(input.NewDecoder(input.DefaultThresholds()), dev, eng, 16)
	d.SetCorrector(corr)
	return d, dev, eng, corr
}

// TestJoinCorrectsFacing tests the join re-centre
func TestJoinCorrectsFacing(t *testing.T) {
	d, _, _, corr := newDriver()
	pos := mgl64.Vec3{1, 64, 2}
	d.Join("steve", pos)

	if len(corr.got) != 1 {
		t.Fatalf("Expected one correction, got %d", len(corr.got))
	}
	c := corr.got[0]
	if c.Sample != JoinSample || c.Position != pos || !c.Orient || c.Yaw != 180 {
		t.Errorf("Unexpected join correction %+v", c)
	}
	if !d.Joined("steve") {
		t.Error("Expected actor joined")
	}
}

// TestTickRoutesJumpAndMove tests a full tick through the router
func TestTickRoutesJumpAndMove(t *testing.T) {
	d, dev, _, corr := newDriver()
	home := mgl64.Vec3{0, 64, 0}
	d.Join("steve", home)
	corr.got = nil

	d.Push("steve", mgl64.Vec3{0, 64.2, 0})
	d.Push("steve", mgl64.Vec3{-0.3, 64.3, 0})
	d.Tick()

	want := []string{"click left", "move -1 0"}
	got := dev.Calls()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if len(corr.got) != 1 || corr.got[0].Sample != 1 || corr.got[0].Position != home {
		t.Errorf("Expected one correction back home, got %+v", corr.got)
	}
}

// TestTickUsesProfile tests profile selection
func TestTickUsesProfile(t *testing.T) {
	d, dev, _, _ := newDriver()
	d.Join("alex", mgl64.Vec3{})
	if err := d.SetProfile("alex", 6); err != nil {
		t.Fatalf("SetProfile failed: %v", err)
	}
	d.Push("alex", mgl64.Vec3{0, 0, 0.5})
	d.Tick()

	if got := dev.Calls(); len(got) != 1 || got[0] != "tap PAGEDOWN" {
		t.Errorf("Expected page down, got %v", got)
	}
}

// TestTickDiscardsWhenStopped tests that stale samples do not replay
func TestTickDiscardsWhenStopped(t *testing.T) {
	d, dev, eng, corr := newDriver()
	d.Join("steve", mgl64.Vec3{})
	corr.got = nil
	eng.running = false

	d.Push("steve", mgl64.Vec3{1, 1, 1})
	d.Tick()
	eng.running = true
	d.Tick()

	if len(dev.Calls()) != 0 || len(corr.got) != 0 {
		t.Errorf("Expected nothing routed, got %v and %+v", dev.Calls(), corr.got)
	}
}

// TestLeaveReleasesModifiers tests leave cleanup
func TestLeaveReleasesModifiers(t *testing.T) {
	d, dev, _, _ := newDriver()
	d.Join("steve", mgl64.Vec3{})

	if !d.Leave("steve") {
		t.Error("Expected leave to find actor")
	}
	if got := dev.Calls(); len(got) != 1 || got[0] != "release all" {
		t.Errorf("Expected modifiers released, got %v", got)
	}
	if d.Push("steve", mgl64.Vec3{}) {
		t.Error("Expected push for departed actor to fail")
	}
	if d.Leave("steve") {
		t.Error("Expected second leave to report unknown actor")
	}
}

// TestSetProfileErrors tests profile validation
func TestSetProfileErrors(t *testing.T) {
	d, _, _, _ := newDriver()
	if err := d.SetProfile("ghost", 1); !errors.Is(err, ErrUnknownActor) {
		t.Errorf("Expected ErrUnknownActor, got %v", err)
	}
	d.Join("steve", mgl64.Vec3{})
	if err := d.SetProfile("steve", 8); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("Expected ErrInvalidProfile, got %v", err)
	}
}

// TestRejoinKeepsProfile tests that re-joining resets decoding but not the mode
func TestRejoinKeepsProfile(t *testing.T) {
	d, _, _, _ := newDriver()
	d.Join("steve", mgl64.Vec3{})
	d.SetProfile("steve", 3)
	d.Join("steve", mgl64.Vec3{5, 5, 5})

	actors := d.Actors()
	if len(actors) != 1 || actors[0].Profile != 3 || actors[0].Position != (mgl64.Vec3{5, 5, 5}) {
		t.Errorf("Unexpected actors %+v", actors)
	}
}

// TestActorsSorted tests listing order
func TestActorsSorted(t *testing.T) {
	d, _, _, _ := newDriver()
	for _, id := range []string{"zed", "amy", "kim"} {
		d.Join(id, mgl64.Vec3{})
	}
	actors := d.Actors()
	if actors[0].ID != "amy" || actors[1].ID != "kim" || actors[2].ID != "zed" {
		t.Errorf("Expected sorted actors, got %+v", actors)
	}
}

// TestRunTicks tests the fixed-rate loop
func TestRunTicks(t *testing.T) {
	d, _, _, _ := newDriver()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, 200)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.Ticks() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for ticks")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}
