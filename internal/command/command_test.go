package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"mapkvm/internal/device"
	"mapkvm/internal/driver"
	"mapkvm/internal/input"
	"mapkvm/internal/session"
)

type keyLog struct {
	mu    sync.Mutex
	codes []uint16
}

func (k *keyLog) PressKey(code uint16) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.codes = append(k.codes, code)
	return nil
}

func (k *keyLog) ReleaseKey(code uint16) error { return nil }

type stubMachine struct {
	kbd     *keyLog
	stopped chan struct{}
	once    sync.Once
	slot    string
}

func (m *stubMachine) Keyboard() device.Keyboard { return m.kbd }
func (m *stubMachine) Mouse() device.Mouse       { return nil }

func (m *stubMachine) Configuration() []session.ConfigEntry {
	var entries []session.ConfigEntry
	for _, med := range []session.Medium{session.Disk, session.Optical} {
		cat, label := med.Slot()
		entries = append(entries, session.ConfigEntry{
			Category: cat,
			Label:    label,
			Set:      func(v string) error { m.slot = cat; return nil },
		})
	}
	return entries
}

func (m *stubMachine) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *stubMachine) Stop() { m.once.Do(func() { close(m.stopped) }) }

func (m *stubMachine) Stopped() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

type fixture struct {
	dir      string
	disp     *Dispatcher
	sessions *session.Manager
	facade   *device.Facade
	driver   *driver.Driver
	machines []*stubMachine
	rams     []int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{dir: filepath.Join(t.TempDir(), "images")}
	fx.facade = device.New(device.DefaultOptions())
	fx.sessions = session.NewManager(func(ramMB int, d session.Display) (session.Machine, error) {
		m := &stubMachine{kbd: &keyLog{}, stopped: make(chan struct{})}
		fx.machines = append(fx.machines, m)
		fx.rams = append(fx.rams, ramMB)
		return m, nil
	}, fx.facade)
	fx.driver = driver.New(input.NewDecoder(input.DefaultThresholds()), fx.facade, fx.sessions, 16)
	fx.disp = NewDispatcher(fx.sessions, fx.driver, NewCatalog(fx.dir), Options{})
	t.Cleanup(func() { fx.sessions.Stop() })
	return fx
}

func (fx *fixture) addImage(t *testing.T, name string, size int) {
	t.Helper()
	if err := os.MkdirAll(fx.dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(fx.dir, name), make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) run(line string) Result {
	return fx.disp.Execute(Request{Line: line})
}

func (fx *fixture) boot(t *testing.T) {
	t.Helper()
	fx.addImage(t, "temple.iso", 16)
	if res := fx.run("start temple"); res.Err != nil {
		t.Fatalf("start failed: %v %+v", res.Err, res.Replies)
	}
}

func lastText(res Result) string {
	if len(res.Replies) == 0 {
		return ""
	}
	return res.Replies[len(res.Replies)-1].Text
}

// TestHelp tests the command listing
func TestHelp(t *testing.T) {
	fx := newFixture(t)
	res := fx.run("")
	if res.Err != nil || len(res.Replies) != len(order)+1 {
		t.Errorf("Expected help listing, got %+v", res)
	}

	res = fx.run("reboot")
	if !errors.Is(res.Err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", res.Err)
	}
}

// TestNeedsMachine tests commands rejected while stopped
func TestNeedsMachine(t *testing.T) {
	fx := newFixture(t)
	for _, line := range []string{"type hi", "key ESC", "click", "mouse 1 1", "cli Dir", "join"} {
		if res := fx.run(line); !errors.Is(res.Err, ErrNotRunning) {
			t.Errorf("%q: expected ErrNotRunning, got %v", line, res.Err)
		}
	}
	if res := fx.run("stop"); !errors.Is(res.Err, ErrNotRunning) {
		t.Errorf("Expected stop to fail when not running, got %v", res.Err)
	}
	if res := fx.run("status"); res.Err != nil || lastText(res) != "Emulator is not running." {
		t.Errorf("Unexpected status %+v", res)
	}
}

// TestList tests image listing
func TestList(t *testing.T) {
	fx := newFixture(t)
	res := fx.run("list")
	if res.Err == nil {
		t.Error("Expected empty listing to fail")
	}
	if _, err := os.Stat(fx.dir); err != nil {
		t.Errorf("Expected images dir created: %v", err)
	}

	fx.addImage(t, "win95.img", 2*1024*1024)
	fx.addImage(t, "temple.ISO", 1024)
	fx.addImage(t, "notes.txt", 1)

	res = fx.run("list")
	if res.Err != nil {
		t.Fatalf("list failed: %v", res.Err)
	}
	want := []string{"Available disk images:", "  temple (CD-ROM, 0MB)", "  win95 (HDD, 2MB)"}
	if len(res.Replies) != len(want) {
		t.Fatalf("Expected %v, got %+v", want, res.Replies)
	}
	for i := range want {
		if res.Replies[i].Text != want[i] {
			t.Errorf("Line %d: expected %q, got %q", i, want[i], res.Replies[i].Text)
		}
	}
}

// TestStartResolvesImage tests name resolution and the running guard
func TestStartResolvesImage(t *testing.T) {
	fx := newFixture(t)
	fx.boot(t)

	if !fx.sessions.IsRunning() {
		t.Fatal("Expected machine running")
	}
	if fx.rams[0] != 256 || fx.machines[0].slot != "IDE Sec." {
		t.Errorf("Expected 256MB on IDE Sec., got %dMB on %q", fx.rams[0], fx.machines[0].slot)
	}

	res := fx.run("start temple")
	if !errors.Is(res.Err, session.ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", res.Err)
	}
	if len(fx.machines) != 1 {
		t.Error("Expected no second machine")
	}

	if res := fx.run("stop"); res.Err != nil || fx.sessions.IsRunning() {
		t.Errorf("Expected stop to succeed, got %+v", res)
	}
}

// TestStartMissing tests the not-found path
func TestStartMissing(t *testing.T) {
	fx := newFixture(t)
	res := fx.run("start freedos")
	if !errors.Is(res.Err, session.ErrImageNotFound) {
		t.Errorf("Expected ErrImageNotFound, got %v", res.Err)
	}
	if res := fx.run("start ../etc/passwd"); !errors.Is(res.Err, session.ErrImageNotFound) {
		t.Errorf("Expected path outside images dir to be rejected, got %v", res.Err)
	}
	if res := fx.run("start"); !errors.Is(res.Err, ErrUsage) {
		t.Errorf("Expected ErrUsage, got %v", res.Err)
	}
}

// TestCatalogOverrides tests images.ini settings
func TestCatalogOverrides(t *testing.T) {
	fx := newFixture(t)
	fx.addImage(t, "Windows95-OSR2.img", 16)
	ini := "[WIN95]\nram = 128\nboot = cdrom\nfile = Windows95-OSR2.img\n"
	if err := os.WriteFile(filepath.Join(fx.dir, CatalogFile), []byte(ini), 0644); err != nil {
		t.Fatal(err)
	}

	img, err := NewCatalog(fx.dir).Resolve("win95")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if img.RAM != 128 || img.Medium != session.Optical || filepath.Base(img.Path) != "Windows95-OSR2.img" {
		t.Errorf("Unexpected image %+v", img)
	}

	os.WriteFile(filepath.Join(fx.dir, CatalogFile), []byte("[win95]\nram = lots\nfile = Windows95-OSR2.img\n"), 0644)
	if _, err := NewCatalog(fx.dir).Resolve("win95"); err == nil {
		t.Error("Expected invalid ram to be rejected")
	}
}

// TestRAMForName tests the RAM heuristic
func TestRAMForName(t *testing.T) {
	cases := map[string]int{"Win95": 480, "win98se": 512, "freedos": 64, "templeos": 256}
	for name, want := range cases {
		if got := RAMForName(name); got != want {
			t.Errorf("RAMForName(%q): expected %d, got %d", name, want, got)
		}
	}
}

// TestKeyCommand tests the key vocabulary paths
func TestKeyCommand(t *testing.T) {
	fx := newFixture(t)
	fx.boot(t)

	if res := fx.run("key esc"); res.Err != nil || lastText(res) != "Sent key: ESC" {
		t.Errorf("Unexpected reply %+v", res)
	}
	if res := fx.run("key shift"); lastText(res) != "Shift: Held" || !fx.facade.Snapshot().Shift {
		t.Errorf("Expected shift toggled on, got %+v", res)
	}
	if res := fx.run("key SHIFT"); lastText(res) != "Shift: Released" {
		t.Errorf("Expected shift toggled off, got %+v", res)
	}
	if res := fx.run("key cad"); lastText(res) != "Sent Ctrl+Alt+Delete" {
		t.Errorf("Unexpected reply %+v", res)
	}
	if res := fx.run("key q"); res.Err != nil || lastText(res) != "Sent key: Q" {
		t.Errorf("Expected single character typed, got %+v", res)
	}
	for _, bad := range []string{"key HYPER", "key é", "key"} {
		if res := fx.run(bad); res.Err == nil {
			t.Errorf("%q: expected failure", bad)
		}
	}
	fx.facade.Flush()
	if st := fx.facade.Snapshot(); len(st.Pressed) != 0 {
		t.Errorf("Expected every key released, got %v", st.Pressed)
	}
}

// TestClickClamps tests click count clamping
func TestClickClamps(t *testing.T) {
	fx := newFixture(t)
	fx.boot(t)

	if res := fx.run("click times 50"); res.Err != nil || !strings.HasPrefix(lastText(res), "Clicked 10 times") {
		t.Errorf("Expected clamp to 10, got %+v", res)
	}
	fx.facade.Flush()
	if res := fx.run("click times 0"); !strings.HasPrefix(lastText(res), "Clicked at") {
		t.Errorf("Expected clamp to 1, got %+v", res)
	}
	if res := fx.run("click twice"); !errors.Is(res.Err, ErrUsage) {
		t.Errorf("Expected ErrUsage, got %v", res.Err)
	}
}

// TestMouseCommand tests absolute moves
func TestMouseCommand(t *testing.T) {
	fx := newFixture(t)
	fx.boot(t)

	fx.run("mouse 500 10")
	fx.run("mouse 700 10")
	if st := fx.facade.Snapshot(); st.X != 639 || st.Y != 10 {
		t.Errorf("Expected (639, 10), got (%d, %d)", st.X, st.Y)
	}
	if res := fx.run("mouse 1"); !errors.Is(res.Err, ErrUsage) {
		t.Errorf("Expected ErrUsage, got %v", res.Err)
	}
	if res := fx.run("mouse a b"); !errors.Is(res.Err, ErrUsage) {
		t.Errorf("Expected ErrUsage, got %v", res.Err)
	}
}

// TestCLICommand tests the semicolon and trailing Enter
func TestCLICommand(t *testing.T) {
	fx := newFixture(t)
	fx.boot(t)

	res := fx.run("cli Dir")
	if lastText(res) != "Executed: Dir;" {
		t.Errorf("Unexpected reply %+v", res)
	}
	res = fx.run("cli Dir;")
	if lastText(res) != "Executed: Dir;" {
		t.Errorf("Expected no second semicolon, got %+v", res)
	}
	fx.facade.Flush()

	kbd := fx.machines[0].kbd
	kbd.mu.Lock()
	defer kbd.mu.Unlock()
	if n := len(kbd.codes); n == 0 || kbd.codes[n-1] != 0x1c {
		t.Errorf("Expected Enter last, got %x", kbd.codes)
	}
}

// TestJoinLeaveProfile tests actor commands
func TestJoinLeaveProfile(t *testing.T) {
	fx := newFixture(t)
	fx.boot(t)

	if res := fx.run("join"); !errors.Is(res.Err, ErrNoActor) {
		t.Errorf("Expected ErrNoActor, got %v", res.Err)
	}

	res := fx.disp.Execute(Request{Actor: "steve", Position: mgl64.Vec3{1, 2, 3}, Line: "join"})
	if res.Err != nil || !fx.driver.Joined("steve") {
		t.Fatalf("Expected join to succeed, got %+v", res)
	}

	res = fx.disp.Execute(Request{Actor: "steve", Line: "profile 4"})
	if res.Err != nil || lastText(res) != "Profile 4: Zoom" {
		t.Errorf("Unexpected reply %+v", res)
	}
	res = fx.disp.Execute(Request{Actor: "steve", Line: "profile 9"})
	if !errors.Is(res.Err, driver.ErrInvalidProfile) {
		t.Errorf("Expected ErrInvalidProfile, got %v", res.Err)
	}

	fx.facade.ToggleModifier(device.ModAlt)
	fx.disp.Execute(Request{Actor: "steve", Line: "leave"})
	if fx.driver.Joined("steve") || fx.facade.Snapshot().Alt {
		t.Error("Expected leave to drop actor and release modifiers")
	}
}

// TestStatus tests the status report
func TestStatus(t *testing.T) {
	fx := newFixture(t)
	fx.boot(t)
	fx.facade.ToggleModifier(device.ModCtrl)

	res := fx.run("status")
	var text []string
	for _, r := range res.Replies {
		text = append(text, r.Text)
	}
	joined := strings.Join(text, "\n")
	for _, want := range []string{"Running: Yes", "Display: 640x480", "Mouse: (320, 240)", "Modifiers: CTRL", "Viewers: 0"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected status to contain %q, got:\n%s", want, joined)
		}
	}
}
