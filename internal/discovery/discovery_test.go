package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- Fakes ---

// fakeBrowser announces names pushed by the test.
type fakeBrowser struct {
	mu       sync.Mutex
	announce func(string)
	ready    chan struct{}
	calls    int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{ready: make(chan struct{}, 4)}
}

func (b *fakeBrowser) Browse(ctx context.Context, serviceType string, announce func(string)) error {
	b.mu.Lock()
	b.announce = announce
	b.calls++
	b.mu.Unlock()
	b.ready <- struct{}{}
	<-ctx.Done()
	return nil
}

func (b *fakeBrowser) emit(names ...string) {
	b.mu.Lock()
	fn := b.announce
	b.mu.Unlock()
	for _, n := range names {
		fn(n)
	}
}

// fakeResolver records resolution order and concurrency. Each resolution
// blocks until released by the test.
type fakeResolver struct {
	mu       sync.Mutex
	order    []string
	inFlight int
	maxSeen  int
	fail     map[string]bool
	release  chan struct{}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{fail: map[string]bool{}, release: make(chan struct{}, 16)}
}

func (r *fakeResolver) Resolve(ctx context.Context, instance, serviceType string) (Endpoint, error) {
	r.mu.Lock()
	r.order = append(r.order, instance)
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	fail := r.fail[instance]
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	select {
	case <-r.release:
	case <-ctx.Done():
		return Endpoint{}, ctx.Err()
	}
	if fail {
		return Endpoint{}, errors.New("no answer")
	}
	return Endpoint{Name: instance, Host: "10.0.0.9", Port: 8080}, nil
}

type collector struct {
	mu   sync.Mutex
	eps  []Endpoint
	seen chan Endpoint
}

func newCollector() *collector { return &collector{seen: make(chan Endpoint, 16)} }

func (c *collector) found(ep Endpoint) {
	c.mu.Lock()
	c.eps = append(c.eps, ep)
	c.mu.Unlock()
	c.seen <- ep
}

func (c *collector) next(t *testing.T) Endpoint {
	t.Helper()
	select {
	case ep := <-c.seen:
		return ep
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for endpoint")
		return Endpoint{}
	}
}

func startDiscovery(t *testing.T, b *fakeBrowser, r *fakeResolver, c *collector) *Discovery {
	t.Helper()
	d, err := New(Opts{Browser: b, Resolver: r, Found: c.found})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)
	<-b.ready
	return d
}

// ----------------------------------------------------------------------------
// Construction
// ----------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error without Found")
	}
	if _, err := New(Opts{Found: func(Endpoint) {}, Browser: newFakeBrowser()}); err == nil {
		t.Error("expected error for browser without resolver")
	}
	d, err := New(Opts{Found: func(Endpoint) {}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.serviceType != "_http._tcp" || d.serviceName != "onloc" {
		t.Errorf("defaults = %q/%q", d.serviceType, d.serviceName)
	}
}

func TestEndpoint_URL(t *testing.T) {
	tests := []struct {
		ep   Endpoint
		want string
	}{
		{Endpoint{Host: "192.168.1.20", Port: 80}, "http://192.168.1.20:80"},
		{Endpoint{Host: "fe80::1", Port: 8080}, "http://[fe80::1]:8080"},
	}
	for _, tt := range tests {
		if got := tt.ep.URL(); got != tt.want {
			t.Errorf("URL() = %q, want %q", got, tt.want)
		}
	}
}

func TestMatches(t *testing.T) {
	d, _ := New(Opts{Found: func(Endpoint) {}})
	tests := []struct {
		name string
		want bool
	}{
		{"onloc", true},
		{"onloc (2)", true},
		{"onloc (x)", false},
		{"other", false},
		{"onloc-dev", false},
		{"Onloc", false},
	}
	for _, tt := range tests {
		if got := d.matches(tt.name); got != tt.want {
			t.Errorf("matches(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// ----------------------------------------------------------------------------
// Resolution queue
// ----------------------------------------------------------------------------

func TestOnlyMatchingServiceResolved(t *testing.T) {
	b, r, c := newFakeBrowser(), newFakeResolver(), newCollector()
	startDiscovery(t, b, r, c)

	b.emit("other", "onloc")
	r.release <- struct{}{}
	ep := c.next(t)
	if ep.Name != "onloc" {
		t.Errorf("found %q, want onloc", ep.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) != 1 || r.order[0] != "onloc" {
		t.Errorf("resolved = %v, want [onloc]", r.order)
	}
}

func TestResolutionsSerializedFIFO(t *testing.T) {
	b, r, c := newFakeBrowser(), newFakeResolver(), newCollector()
	startDiscovery(t, b, r, c)

	// Announce faster than resolution completes.
	b.emit("onloc", "onloc (2)", "onloc (3)")
	for i := 0; i < 3; i++ {
		r.release <- struct{}{}
		c.next(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	want := []string{"onloc", "onloc (2)", "onloc (3)"}
	if len(r.order) != len(want) {
		t.Fatalf("resolved = %v, want %v", r.order, want)
	}
	for i := range want {
		if r.order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, r.order[i], want[i])
		}
	}
	if r.maxSeen != 1 {
		t.Errorf("max concurrent resolutions = %d, want 1", r.maxSeen)
	}
}

func TestFailedResolutionDoesNotBlockQueue(t *testing.T) {
	b, r, c := newFakeBrowser(), newFakeResolver(), newCollector()
	r.fail["onloc"] = true
	startDiscovery(t, b, r, c)

	b.emit("onloc", "onloc (2)")
	r.release <- struct{}{}
	r.release <- struct{}{}

	ep := c.next(t)
	if ep.Name != "onloc (2)" {
		t.Errorf("found %q, want onloc (2)", ep.Name)
	}
	select {
	case ep := <-c.seen:
		t.Errorf("unexpected endpoint %+v", ep)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDuplicateAnnouncementResolvedOnce(t *testing.T) {
	b, r, c := newFakeBrowser(), newFakeResolver(), newCollector()
	startDiscovery(t, b, r, c)

	b.emit("onloc")
	r.release <- struct{}{}
	c.next(t)
	b.emit("onloc", "onloc")

	time.Sleep(50 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) != 1 {
		t.Errorf("resolutions = %d, want 1", len(r.order))
	}
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

func TestStart_Idempotent(t *testing.T) {
	b, r, c := newFakeBrowser(), newFakeResolver(), newCollector()
	d := startDiscovery(t, b, r, c)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls != 1 {
		t.Errorf("Browse calls = %d, want 1", b.calls)
	}
}

func TestStop_NeverStarted(t *testing.T) {
	d, err := New(Opts{Found: func(Endpoint) {}})
	if err != nil {
		t.Fatal(err)
	}
	d.Stop()
	d.Stop()
	if d.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestStop_CancelsInFlightAndDropsQueue(t *testing.T) {
	b, r, c := newFakeBrowser(), newFakeResolver(), newCollector()
	d := startDiscovery(t, b, r, c)

	b.emit("onloc", "onloc (2)")
	// Wait until the first resolution is in flight.
	deadline := time.Now().Add(time.Second)
	for {
		r.mu.Lock()
		n := r.inFlight
		r.mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	d.Stop()
	if d.Running() {
		t.Error("Running() = true after Stop")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) != 1 {
		t.Errorf("resolutions = %v, want only the in-flight one", r.order)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.eps) != 0 {
		t.Errorf("found = %v, want none", c.eps)
	}
}

func TestRestartResetsSeen(t *testing.T) {
	b, r, c := newFakeBrowser(), newFakeResolver(), newCollector()
	d := startDiscovery(t, b, r, c)

	b.emit("onloc")
	r.release <- struct{}{}
	c.next(t)
	d.Stop()

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-b.ready
	b.emit("onloc")
	r.release <- struct{}{}
	c.next(t)
}
