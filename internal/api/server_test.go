package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mapkvm/internal/command"
	"mapkvm/internal/config"
	"mapkvm/internal/device"
	"mapkvm/internal/driver"
	"mapkvm/internal/input"
	"mapkvm/internal/protocol"
	"mapkvm/internal/session"
)

type nopKeyboard struct{}

func (nopKeyboard) PressKey(code uint16) error   { return nil }
func (nopKeyboard) ReleaseKey(code uint16) error { return nil }

// paintMachine draws one 4x2 frame when it boots.
type paintMachine struct {
	display session.Display
	stopped chan struct{}
	once    sync.Once
}

func (m *paintMachine) Keyboard() device.Keyboard { return nopKeyboard{} }
func (m *paintMachine) Mouse() device.Mouse       { return nil }

func (m *paintMachine) Configuration() []session.ConfigEntry {
	cat, label := session.Optical.Slot()
	return []session.ConfigEntry{{Category: cat, Label: label, Set: func(string) error { return nil }}}
}

func (m *paintMachine) Run(ctx context.Context) error {
	fb := make([]uint32, 8)
	for i := range fb {
		fb[i] = 0xff204060
	}
	m.display.OnInit(fb, 4, 2)
	m.display.OnRedraw()
	select {
	case <-ctx.Done():
	case <-m.stopped:
	}
	return nil
}

func (m *paintMachine) Stop() { m.once.Do(func() { close(m.stopped) }) }

func (m *paintMachine) Stopped() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

type fixture struct {
	cfg      *config.Manager
	sessions *session.Manager
	driver   *driver.Driver
	server   *Server
	http     *httptest.Server
	token    string
}

func newFixture(t *testing.T, mutate func(c *config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	images := filepath.Join(dir, "images")
	if err := os.MkdirAll(images, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(images, "temple.iso"), make([]byte, 16), 0644); err != nil {
		t.Fatal(err)
	}

	fx := &fixture{cfg: config.NewManagerAt(filepath.Join(dir, "config.json"))}
	cfg := config.DefaultConfig()
	cfg.General.ImagesDir = images
	if mutate != nil {
		mutate(cfg)
	}
	if err := fx.cfg.Set(cfg); err != nil {
		t.Fatal(err)
	}
	fx.token = cfg.General.APIToken

	facade := device.New(device.DefaultOptions())
	fx.sessions = session.NewManager(func(ramMB int, d session.Display) (session.Machine, error) {
		return &paintMachine{display: d, stopped: make(chan struct{})}, nil
	}, facade)
	fx.driver = driver.New(input.NewDecoder(input.DefaultThresholds()), facade, fx.sessions, 16)
	disp := command.NewDispatcher(fx.sessions, fx.driver, command.NewCatalog(images), command.Options{})
	fx.server = NewServer(fx.cfg, disp, fx.sessions, fx.driver)
	fx.driver.SetCorrector(fx.server.Hub())
	fx.http = httptest.NewServer(fx.server.Handler())

	t.Cleanup(func() {
		fx.http.Close()
		fx.server.Shutdown(context.Background())
		fx.sessions.Stop()
	})
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, fx.http.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if fx.token != "" {
		req.Header.Set("Authorization", "Bearer "+fx.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (fx *fixture) waitFrame(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for fx.sessions.LatestFrame() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for a frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestHealth tests the unauthenticated health endpoint
func TestHealth(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) { c.General.APIToken = "secret" })
	fx.token = ""

	resp := fx.do(t, "GET", "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["service"] != "mapkvm" || body["running"] != false {
		t.Errorf("Unexpected health body %v", body)
	}
}

// TestAuth tests bearer token enforcement
func TestAuth(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) { c.General.APIToken = "secret" })

	fx.token = ""
	if resp := fx.do(t, "GET", "/api/status", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}
	fx.token = "secret"
	if resp := fx.do(t, "GET", "/api/status", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", resp.StatusCode)
	}
}

// TestCommandAndStatus tests running a command over HTTP
func TestCommandAndStatus(t *testing.T) {
	fx := newFixture(t, nil)

	resp := fx.do(t, "POST", "/api/command", map[string]string{"line": "start temple"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var res protocol.CommandResultPayload
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Error != "" || len(res.Replies) == 0 {
		t.Fatalf("Unexpected result %+v", res)
	}

	var st protocol.StatusPayload
	json.NewDecoder(fx.do(t, "GET", "/api/status", nil).Body).Decode(&st)
	if !st.Running || st.Image != "temple.iso" || st.Medium != "CD-ROM" {
		t.Errorf("Unexpected status %+v", st)
	}

	var health map[string]any
	json.NewDecoder(fx.do(t, "GET", "/health", nil).Body).Decode(&health)
	if health["running"] != true || health["image"] != "temple.iso" {
		t.Errorf("Expected health to name the image file only, got %v", health)
	}

	resp = fx.do(t, "POST", "/api/command", map[string]string{"line": "bogus"})
	json.NewDecoder(resp.Body).Decode(&res)
	if res.Error == "" {
		t.Error("Expected unknown command to report an error")
	}

	if resp := fx.do(t, "GET", "/api/command", nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

// TestCommandRateLimit tests the per-client command limiter
func TestCommandRateLimit(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) {
		c.General.CommandRate = 0.001
		c.General.CommandBurst = 1
	})

	if resp := fx.do(t, "POST", "/api/command", map[string]string{"line": "help"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp := fx.do(t, "POST", "/api/command", map[string]string{"line": "help"}); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", resp.StatusCode)
	}
}

// TestFrame tests PNG frames and resampling
func TestFrame(t *testing.T) {
	fx := newFixture(t, nil)

	if resp := fx.do(t, "GET", "/api/frame", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before boot, got %d", resp.StatusCode)
	}

	fx.do(t, "POST", "/api/command", map[string]string{"line": "start temple"})
	fx.waitFrame(t)

	resp := fx.do(t, "GET", "/api/frame", nil)
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("Expected 4x2, got %v", b)
	}
	r, g, b, a := img.At(0, 0).RGBA()
	if r>>8 != 0x20 || g>>8 != 0x40 || b>>8 != 0x60 || a>>8 != 0xff {
		t.Errorf("Unexpected pixel %x %x %x %x", r>>8, g>>8, b>>8, a>>8)
	}

	resp = fx.do(t, "GET", "/api/frame?w=8&h=4", nil)
	img, err = png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("Expected 8x4, got %v", b)
	}

	if resp := fx.do(t, "GET", "/api/frame?w=0", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

// TestConfigEndpoint tests reading and patching settings
func TestConfigEndpoint(t *testing.T) {
	fx := newFixture(t, nil)

	resp := fx.do(t, "GET", "/api/config?path=input.tick_rate", nil)
	var rate int
	json.NewDecoder(resp.Body).Decode(&rate)
	if rate != 30 {
		t.Errorf("Expected tick rate 30, got %d", rate)
	}

	if resp := fx.do(t, "GET", "/api/config?path=nope.nothing", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	if resp := fx.do(t, "PATCH", "/api/config?path=input.tick_rate", 0); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid value, got %d", resp.StatusCode)
	}
	if resp := fx.do(t, "PATCH", "/api/config?path=input.tick_rate", 60); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if fx.cfg.Get().Input.TickRate != 60 {
		t.Errorf("Expected tick rate 60, got %d", fx.cfg.Get().Input.TickRate)
	}
	if _, err := os.Stat(fx.cfg.Path()); err != nil {
		t.Errorf("Expected config to be saved: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read failed waiting for %s: %v", typ, err)
		}
		var env struct {
			Type    protocol.MessageType `json:"type"`
			Payload json.RawMessage      `json:"payload"`
		}
		json.Unmarshal(data, &env)
		if env.Type == typ {
			return env.Payload
		}
	}
}

// TestWebSocketActor tests auth, join corrections, samples and leave on disconnect
func TestWebSocketActor(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) { c.General.APIToken = "secret" })
	fx.do(t, "POST", "/api/command", map[string]string{"line": "start temple"})

	url := "ws" + strings.TrimPrefix(fx.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	conn.WriteJSON(protocol.Message{Type: protocol.TypeAuth, Payload: protocol.AuthPayload{Token: "secret", Actor: "steve"}})
	readUntil(t, conn, protocol.TypeStatus)

	conn.WriteJSON(protocol.Message{Type: protocol.TypeCommand, Payload: protocol.CommandPayload{
		Line:     "join",
		Position: &protocol.Vec{X: 1, Y: 64, Z: 2},
	}})

	var corr protocol.CorrectionPayload
	json.Unmarshal(readUntil(t, conn, protocol.TypeCorrection), &corr)
	if corr.Sample != driver.JoinSample || !corr.Orient || corr.Yaw != 180 || corr.Position.Y != 64 {
		t.Errorf("Unexpected join correction %+v", corr)
	}

	conn.WriteJSON(protocol.Message{Type: protocol.TypeSample, Payload: protocol.SamplePayload{X: 1, Y: 64, Z: 2}})
	conn.WriteJSON(protocol.Message{Type: protocol.TypeProfile, Payload: protocol.ProfilePayload{Profile: 9}})
	readUntil(t, conn, protocol.TypeError)

	actors := fx.driver.Actors()
	if len(actors) != 1 || actors[0].ID != "steve" || actors[0].Queued != 1 {
		t.Errorf("Unexpected actors %+v", actors)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for fx.driver.Joined("steve") {
		if time.Now().After(deadline) {
			t.Fatal("Expected actor to leave on disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestWebSocketRejectsBadToken tests that a wrong token closes the connection
func TestWebSocketRejectsBadToken(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) { c.General.APIToken = "secret" })

	url := "ws" + strings.TrimPrefix(fx.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(protocol.Message{Type: protocol.TypeAuth, Payload: protocol.AuthPayload{Token: "wrong"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// TestScaleFrame tests resampling keeps a flat colour flat
func TestScaleFrame(t *testing.T) {
	src := (&session.Frame{Pixels: []uint32{0x102030ff, 0x102030ff, 0x102030ff, 0x102030ff}, Width: 2, Height: 2}).Image()
	dst := scaleFrame(src, 5, 3)
	if b := dst.Bounds(); b.Dx() != 5 || b.Dy() != 3 {
		t.Fatalf("Expected 5x3, got %v", b)
	}
	c := dst.RGBAAt(4, 2)
	if c.R != 0x10 || c.G != 0x20 || c.B != 0x30 || c.A != 0xff {
		t.Errorf("Unexpected colour %+v", c)
	}
}
