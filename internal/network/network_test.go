package network

import (
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"mapkvm/internal/driver"
)

type fakeActors struct {
	mu       sync.Mutex
	joined   map[string]mgl64.Vec3
	samples  []mgl64.Vec3
	profiles map[string]int
	left     []string
	full     bool
}

func newFakeActors() *fakeActors {
	return &fakeActors{joined: map[string]mgl64.Vec3{}, profiles: map[string]int{}}
}

func (f *fakeActors) Join(id string, pos mgl64.Vec3) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[id] = pos
}

func (f *fakeActors) Leave(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
	return true
}

func (f *fakeActors) Push(id string, sample mgl64.Vec3) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.samples = append(f.samples, sample)
	return true
}

func (f *fakeActors) SetProfile(id string, profile int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[id] = profile
	return nil
}

func (f *fakeActors) sampleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// TestSeqDedup tests that repeated sequence numbers are discarded
func TestSeqDedup(t *testing.T) {
	d := newSeqDedup()
	if d.isDuplicate(1) {
		t.Error("Expected first seq 1 to be new")
	}
	if !d.isDuplicate(1) {
		t.Error("Expected second seq 1 to be a duplicate")
	}
	for i := uint32(2); i < 2+uint32(len(d.ring)); i++ {
		d.isDuplicate(i)
	}
	if d.isDuplicate(1) {
		t.Error("Expected seq 1 to be evicted after a full ring")
	}
}

// TestSampleRoundTrip tests register, samples, profile and leave over loopback
func TestSampleRoundTrip(t *testing.T) {
	actors := newFakeActors()
	srv := NewSampleServer(0, actors)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop()

	cli := NewSampleClient(srv.Addr().String(), "steve")
	if err := cli.Connect(mgl64.Vec3{1, 64, 2}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, "join", func() bool {
		actors.mu.Lock()
		defer actors.mu.Unlock()
		return actors.joined["steve"] == mgl64.Vec3{1, 64, 2}
	})
	if !srv.HasClients() {
		t.Error("Expected a registered client")
	}

	cli.SendSample(mgl64.Vec3{1, 64.05, 2})
	cli.SendSample(mgl64.Vec3{1, 64.1, 2})
	waitFor(t, "samples", func() bool { return actors.sampleCount() == 2 })

	cli.SendProfile(4)
	waitFor(t, "profile", func() bool {
		actors.mu.Lock()
		defer actors.mu.Unlock()
		return actors.profiles["steve"] == 4
	})

	cli.Close()
	waitFor(t, "leave", func() bool {
		actors.mu.Lock()
		defer actors.mu.Unlock()
		return len(actors.left) == 1 && actors.left[0] == "steve"
	})
	if srv.HasClients() {
		t.Error("Expected no clients after leave")
	}
}

// TestCorrectionDelivery tests that corrections reach the registered client
func TestCorrectionDelivery(t *testing.T) {
	srv := NewSampleServer(0, newFakeActors())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop()

	type got struct {
		sample int
		pos    mgl64.Vec3
		orient bool
		yaw    float64
	}
	ch := make(chan got, 4)
	cli := NewSampleClient(srv.Addr().String(), "alex")
	cli.OnCorrection = func(sample int, pos mgl64.Vec3, orient bool, yaw, pitch float64) {
		ch <- got{sample, pos, orient, yaw}
	}
	if err := cli.Connect(mgl64.Vec3{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer cli.Close()

	srv.Correct("alex", driver.Correction{Sample: driver.JoinSample, Position: mgl64.Vec3{5, 70, 5}, Orient: true, Yaw: 180})
	srv.Correct("nobody", driver.Correction{Sample: 3})

	select {
	case g := <-ch:
		if g.sample != -1 || !g.orient || g.yaw != 180 || g.pos != (mgl64.Vec3{5, 70, 5}) {
			t.Errorf("Unexpected correction %+v", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for correction")
	}

	select {
	case g := <-ch:
		t.Errorf("Expected redundant copy to be deduplicated, got %+v", g)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestDroppedSamples tests counting samples the driver refuses
func TestDroppedSamples(t *testing.T) {
	actors := newFakeActors()
	actors.full = true
	srv := NewSampleServer(0, actors)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop()

	cli := NewSampleClient(srv.Addr().String(), "steve")
	if err := cli.Connect(mgl64.Vec3{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer cli.Close()

	cli.SendSample(mgl64.Vec3{0, 1, 0})
	waitFor(t, "drop", func() bool { return srv.Dropped() == 1 })
}

// TestExpireStaleClients tests that silent clients are removed
func TestExpireStaleClients(t *testing.T) {
	srv := NewSampleServer(0, newFakeActors())
	c := &udpClient{actor: "steve", lastSeen: time.Now().Add(-time.Minute), dedup: newSeqDedup()}
	srv.clients["127.0.0.1:1"] = c
	srv.byActor["steve"] = c

	gone := srv.expire(time.Now())
	if len(gone) != 1 || gone[0] != "steve" {
		t.Errorf("Expected [steve], got %v", gone)
	}
	if srv.HasClients() {
		t.Error("Expected no clients after expiry")
	}
}

// TestConnectNoHost tests the blocked-path error
func TestConnectNoHost(t *testing.T) {
	srv := NewSampleServer(0, newFakeActors())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	addr := srv.Addr().String()
	srv.Stop()

	cli := NewSampleClient(addr, "steve")
	if err := cli.Connect(mgl64.Vec3{}); err != ErrNoAck {
		t.Errorf("Expected ErrNoAck, got %v", err)
	}
}

// TestParseHealth tests host identification from the health body
func TestParseHealth(t *testing.T) {
	h, ok := parseHealth("10.0.0.5", 18090, []byte(`{"service":"mapkvm","running":true,"image":"win98.img"}`))
	if !ok || !h.Running || h.Image != "win98.img" || h.Port != 18090 {
		t.Errorf("Unexpected host %+v (ok=%v)", h, ok)
	}
	if _, ok := parseHealth("10.0.0.6", 18090, []byte(`{"status":"ok"}`)); ok {
		t.Error("Expected foreign service to be rejected")
	}
}
