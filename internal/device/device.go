// Package device provides the host capabilities the agent drives: position,
// battery level, an audible ring and a screen lock. Each has a command-backed
// implementation so any host (Termux, a laptop, a Pi) can be wired by config.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrNoCommand is returned by command-backed capabilities with no command.
var ErrNoCommand = errors.New("device: no command configured")

// Fix is a single position reading.
type Fix struct {
	Latitude         float64
	Longitude        float64
	Altitude         *float64
	Accuracy         *float64
	AltitudeAccuracy *float64
}

// Locator reads the current position.
type Locator interface {
	Locate(ctx context.Context) (Fix, error)
}

// Battery reads the charge level in percent.
type Battery interface {
	Percent(ctx context.Context) (int, error)
}

// Player plays the ring sound. Play blocks until playback ends or ctx is done.
type Player interface {
	Play(ctx context.Context) error
}

// Locker locks the device, optionally showing message first.
type Locker interface {
	Lock(ctx context.Context, message string) error
}

// --- Location ---

// CommandLocator runs a command printing termux-location style JSON.
type CommandLocator struct {
	Command []string
}

type termuxLocation struct {
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	Altitude         *float64 `json:"altitude"`
	Accuracy         *float64 `json:"accuracy"`
	VerticalAccuracy *float64 `json:"vertical_accuracy"`
}

// Locate implements Locator.
func (l CommandLocator) Locate(ctx context.Context) (Fix, error) {
	out, err := run(ctx, l.Command)
	if err != nil {
		return Fix{}, fmt.Errorf("device: locate: %w", err)
	}
	return parseLocation(out)
}

func parseLocation(out []byte) (Fix, error) {
	var loc termuxLocation
	if err := json.Unmarshal(out, &loc); err != nil {
		return Fix{}, fmt.Errorf("device: locate: decode output: %w", err)
	}
	if loc.Latitude == nil || loc.Longitude == nil {
		return Fix{}, fmt.Errorf("device: locate: output has no coordinates")
	}
	return Fix{
		Latitude:         *loc.Latitude,
		Longitude:        *loc.Longitude,
		Altitude:         loc.Altitude,
		Accuracy:         loc.Accuracy,
		AltitudeAccuracy: loc.VerticalAccuracy,
	}, nil
}

// StaticLocator always reports the same position.
type StaticLocator struct {
	Fix Fix
}

// Locate implements Locator.
func (l StaticLocator) Locate(ctx context.Context) (Fix, error) {
	return l.Fix, ctx.Err()
}

// --- Battery ---

// CommandBattery runs a command printing termux-battery-status style JSON.
type CommandBattery struct {
	Command []string
}

// Percent implements Battery.
func (b CommandBattery) Percent(ctx context.Context) (int, error) {
	out, err := run(ctx, b.Command)
	if err != nil {
		return 0, fmt.Errorf("device: battery: %w", err)
	}
	var status struct {
		Percentage *int `json:"percentage"`
	}
	if err := json.Unmarshal(out, &status); err != nil {
		return 0, fmt.Errorf("device: battery: decode output: %w", err)
	}
	if status.Percentage == nil {
		return 0, fmt.Errorf("device: battery: output has no percentage")
	}
	return clampPercent(*status.Percentage), nil
}

// SysfsBattery reads a Linux power_supply capacity file, e.g.
// /sys/class/power_supply/BAT0/capacity.
type SysfsBattery struct {
	Path string
}

// Percent implements Battery.
func (b SysfsBattery) Percent(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	raw, err := os.ReadFile(b.Path)
	if err != nil {
		return 0, fmt.Errorf("device: battery: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("device: battery: parse %s: %w", b.Path, err)
	}
	return clampPercent(n), nil
}

func clampPercent(n int) int {
	return min(max(n, 0), 100)
}

// --- Ring ---

// CommandPlayer runs VolumeCommand (if any) and then Command, which should
// play the ring sound and exit when done.
type CommandPlayer struct {
	Command       []string
	VolumeCommand []string
}

// Play implements Player. Cancellation is not an error.
func (p CommandPlayer) Play(ctx context.Context) error {
	if len(p.VolumeCommand) > 0 {
		if _, err := run(ctx, p.VolumeCommand); err != nil && ctx.Err() == nil {
			return fmt.Errorf("device: volume: %w", err)
		}
	}
	if _, err := run(ctx, p.Command); err != nil && ctx.Err() == nil {
		return fmt.Errorf("device: play: %w", err)
	}
	return nil
}

// --- Lock ---

// CommandLocker runs MessageCommand with the message appended as the last
// argument (when both are set), then Command.
type CommandLocker struct {
	Command        []string
	MessageCommand []string
}

// Lock implements Locker.
func (l CommandLocker) Lock(ctx context.Context, message string) error {
	if len(l.Command) == 0 {
		return ErrNoCommand
	}
	if message != "" && len(l.MessageCommand) > 0 {
		argv := append(append([]string{}, l.MessageCommand...), message)
		if _, err := run(ctx, argv); err != nil {
			return fmt.Errorf("device: lock message: %w", err)
		}
	}
	if _, err := run(ctx, l.Command); err != nil {
		return fmt.Errorf("device: lock: %w", err)
	}
	return nil
}
