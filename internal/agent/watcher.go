package agent

import (
	"fmt"
)

// Change is a difference between two polls of the persisted session state.
type Change struct {
	DeviceChanged bool
	DeviceID      int
	TokenChanged  bool
	Token         string
	LoggedOut     bool
}

// sessionSnapshot holds the last-known device and token for change detection.
type sessionSnapshot struct {
	deviceID int
	token    string
}

// Watcher polls the store for device selection and token changes made by
// other processes (the CLI) or by a token refresh.
type Watcher struct {
	store  Store
	last   sessionSnapshot
	seeded bool
}

// NewWatcher creates a Watcher.
func NewWatcher(store Store) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("agent: watcher: store is required")
	}
	return &Watcher{store: store}, nil
}

// Poll compares the store against the previous poll. The first poll only
// establishes the baseline.
func (w *Watcher) Poll() (Change, error) {
	deviceID, err := w.store.DeviceID()
	if err != nil {
		return Change{}, fmt.Errorf("agent: watcher: %w", err)
	}
	token, err := w.store.AccessToken()
	if err != nil {
		return Change{}, fmt.Errorf("agent: watcher: %w", err)
	}
	cur := sessionSnapshot{deviceID: deviceID, token: token}
	if !w.seeded {
		w.last, w.seeded = cur, true
		return Change{}, nil
	}

	var c Change
	if cur.deviceID != w.last.deviceID {
		c.DeviceChanged, c.DeviceID = true, cur.deviceID
	}
	if cur.token != w.last.token {
		if cur.token == "" {
			c.LoggedOut = true
		} else {
			c.TokenChanged, c.Token = true, cur.token
		}
	}
	w.last = cur
	return c, nil
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return !c.DeviceChanged && !c.TokenChanged && !c.LoggedOut
}
