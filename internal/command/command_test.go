package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/onloc/internal/realtime"
)

// --- Fakes ---

type fakePlayer struct {
	mu     sync.Mutex
	plays  int
	finish chan struct{} // closing ends playback as if the sound ended
	err    error
}

func newFakePlayer() *fakePlayer { return &fakePlayer{finish: make(chan struct{})} }

func (p *fakePlayer) Play(ctx context.Context) error {
	p.mu.Lock()
	p.plays++
	p.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-p.finish:
	}
	return p.err
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

type fakeLocker struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (l *fakeLocker) Lock(ctx context.Context, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, message)
	return l.err
}

type fakeSub struct {
	handlers map[string]realtime.Handler
}

func (s *fakeSub) On(event string, h realtime.Handler) {
	if s.handlers == nil {
		s.handlers = map[string]realtime.Handler{}
	}
	s.handlers[event] = h
}

type fakeNotifier struct {
	sent chan string
}

func (n *fakeNotifier) Notify(ctx context.Context, text string) error {
	n.sent <- text
	return nil
}

func newRinger(t *testing.T, p *fakePlayer, d time.Duration) *Ringer {
	t.Helper()
	r, err := NewRinger(RingerOpts{Player: p, Duration: d, ReplayDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRinger: %v", err)
	}
	return r
}

// ----------------------------------------------------------------------------
// Ringer
// ----------------------------------------------------------------------------

func TestNewRinger_RequiresPlayer(t *testing.T) {
	if _, err := NewRinger(RingerOpts{}); err == nil {
		t.Error("expected error without player")
	}
	r, err := NewRinger(RingerOpts{Player: newFakePlayer()})
	if err != nil {
		t.Fatal(err)
	}
	if r.duration != 30*time.Second {
		t.Errorf("duration = %v, want 30s", r.duration)
	}
	if r.replay != 500*time.Millisecond {
		t.Errorf("replay = %v, want 500ms", r.replay)
	}
}

func TestRinger_FullLifecycle(t *testing.T) {
	r := newRinger(t, newFakePlayer(), 50*time.Millisecond)

	if r.IsRinging() {
		t.Fatal("IsRinging before Ring = true")
	}
	if !r.Ring(context.Background()) {
		t.Fatal("Ring returned false")
	}
	if !r.IsRinging() {
		t.Error("IsRinging during alert = false")
	}
	if r.Since().IsZero() {
		t.Error("Since should be set while ringing")
	}
	r.Wait()
	if r.IsRinging() {
		t.Error("IsRinging after alert = true")
	}
	if !r.Since().IsZero() {
		t.Error("Since should be zero after alert")
	}
}

func TestRinger_DuplicateRingIgnored(t *testing.T) {
	p := newFakePlayer()
	r := newRinger(t, p, time.Minute)

	if !r.Ring(context.Background()) {
		t.Fatal("first Ring returned false")
	}
	if r.Ring(context.Background()) {
		t.Error("second Ring while ringing returned true")
	}
	r.Dismiss()
	r.Wait()
	if p.count() != 1 {
		t.Errorf("plays = %d, want 1", p.count())
	}
}

func TestRinger_DismissEarly(t *testing.T) {
	r := newRinger(t, newFakePlayer(), time.Hour)
	r.Ring(context.Background())

	start := time.Now()
	r.Dismiss()
	r.Wait()
	if r.IsRinging() {
		t.Error("IsRinging after Dismiss = true")
	}
	if time.Since(start) > time.Second {
		t.Error("Dismiss did not end the alert promptly")
	}

	// A new ring is accepted after dismissal.
	if !r.Ring(context.Background()) {
		t.Error("Ring after Dismiss returned false")
	}
	r.Dismiss()
	r.Wait()
}

func TestRinger_DismissWhenIdle(t *testing.T) {
	r := newRinger(t, newFakePlayer(), time.Second)
	r.Dismiss()
	r.Wait()
	if r.IsRinging() {
		t.Error("IsRinging = true")
	}
}

func TestRinger_ShortSoundReplaysForDuration(t *testing.T) {
	p := newFakePlayer()
	close(p.finish) // every Play returns at once
	r := newRinger(t, p, 300*time.Millisecond)

	start := time.Now()
	r.Ring(context.Background())
	time.Sleep(100 * time.Millisecond)
	if !r.IsRinging() {
		t.Fatal("alert ended when the sound finished")
	}
	r.Wait()
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("alert lasted %v, want the full 300ms", elapsed)
	}
	if p.count() < 2 {
		t.Errorf("plays = %d, want the sound replayed", p.count())
	}
}

func TestRinger_PlayerFailureKeepsRinging(t *testing.T) {
	p := newFakePlayer()
	p.err = errors.New("audio device busy")
	close(p.finish)
	r := newRinger(t, p, time.Hour)

	r.Ring(context.Background())
	time.Sleep(50 * time.Millisecond)
	if !r.IsRinging() {
		t.Fatal("IsRinging after player failure = false")
	}
	r.Dismiss()
	r.Wait()
	if r.IsRinging() {
		t.Error("IsRinging after Dismiss = true")
	}
	if !r.Ring(context.Background()) {
		t.Error("Ring after failed alert returned false")
	}
	r.Dismiss()
	r.Wait()
}

func TestRinger_ContextCancelEnds(t *testing.T) {
	r := newRinger(t, newFakePlayer(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	r.Ring(ctx)
	cancel()
	r.Wait()
	if r.IsRinging() {
		t.Error("IsRinging after cancel = true")
	}
}

// ----------------------------------------------------------------------------
// Dispatcher
// ----------------------------------------------------------------------------

func TestNewDispatcher_Validation(t *testing.T) {
	r := newRinger(t, newFakePlayer(), time.Second)
	if _, err := NewDispatcher(DispatcherOpts{Reconnect: func() {}}); err == nil {
		t.Error("expected error without ringer")
	}
	if _, err := NewDispatcher(DispatcherOpts{Ringer: r}); err == nil {
		t.Error("expected error without reconnect")
	}
}

func TestRegister_WithoutLocker(t *testing.T) {
	r := newRinger(t, newFakePlayer(), time.Second)
	d, err := NewDispatcher(DispatcherOpts{Ringer: r, Reconnect: func() {}})
	if err != nil {
		t.Fatal(err)
	}
	sub := &fakeSub{}
	d.Register(context.Background(), sub)

	if _, ok := sub.handlers[realtime.EventRing]; !ok {
		t.Error("ring-command handler not registered")
	}
	if _, ok := sub.handlers[realtime.EventDisconnect]; !ok {
		t.Error("disconnect handler not registered")
	}
	if _, ok := sub.handlers[realtime.EventLock]; ok {
		t.Error("lock-command registered without a locker")
	}
}

func TestRingCommand(t *testing.T) {
	n := &fakeNotifier{sent: make(chan string, 2)}
	r := newRinger(t, newFakePlayer(), time.Hour)
	d, _ := NewDispatcher(DispatcherOpts{Ringer: r, Reconnect: func() {}, Notifier: n})
	sub := &fakeSub{}
	d.Register(context.Background(), sub)

	sub.handlers[realtime.EventRing](json.RawMessage(`{}`))
	if !r.IsRinging() {
		t.Error("ring-command did not start ringing")
	}
	select {
	case text := <-n.sent:
		if text == "" {
			t.Error("empty notification")
		}
	case <-time.After(time.Second):
		t.Error("no notification sent")
	}

	// A second ring while ringing neither restarts nor notifies.
	sub.handlers[realtime.EventRing](nil)
	select {
	case text := <-n.sent:
		t.Errorf("unexpected notification %q", text)
	case <-time.After(50 * time.Millisecond):
	}
	r.Dismiss()
	r.Wait()
}

func TestLockCommand(t *testing.T) {
	l := &fakeLocker{}
	r := newRinger(t, newFakePlayer(), time.Second)
	d, _ := NewDispatcher(DispatcherOpts{Ringer: r, Locker: l, Reconnect: func() {}})
	sub := &fakeSub{}
	d.Register(context.Background(), sub)

	lock := sub.handlers[realtime.EventLock]
	if lock == nil {
		t.Fatal("lock-command not registered")
	}
	lock(json.RawMessage(`{"message":"please return"}`))
	lock(json.RawMessage(`{}`))
	lock(nil)
	lock(json.RawMessage(`"garbage"`))

	l.mu.Lock()
	defer l.mu.Unlock()
	want := []string{"please return", "", "", ""}
	if len(l.messages) != len(want) {
		t.Fatalf("locks = %v, want %v", l.messages, want)
	}
	for i := range want {
		if l.messages[i] != want[i] {
			t.Errorf("message[%d] = %q, want %q", i, l.messages[i], want[i])
		}
	}
}

func TestDisconnectRunsReconnect(t *testing.T) {
	called := make(chan struct{}, 1)
	r := newRinger(t, newFakePlayer(), time.Second)
	d, _ := NewDispatcher(DispatcherOpts{Ringer: r, Reconnect: func() { called <- struct{}{} }})
	sub := &fakeSub{}
	d.Register(context.Background(), sub)

	sub.handlers[realtime.EventDisconnect](nil)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("reconnect not called")
	}
}
