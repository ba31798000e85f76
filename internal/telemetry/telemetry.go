// Package telemetry periodically samples the device position and battery and
// uploads each sample once, independent of the realtime channel.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/onloc/internal/api"
	"github.com/zulandar/onloc/internal/device"
	"github.com/zulandar/onloc/internal/models"
)

// BatteryUnknown is reported when the battery level cannot be read.
const BatteryUnknown = -1

// Settings is the persisted state the loop reads on every tick.
type Settings interface {
	DeviceID() (int, error)
	Server() (string, error)
	AccessToken() (string, error)
	LocationInterval() (string, error)
}

// Uploader sends one sample to the server.
type Uploader interface {
	UploadLocation(ctx context.Context, loc api.LocationUpload) error
}

// Sample is a single position report.
type Sample struct {
	DeviceID         int
	Latitude         float64
	Longitude        float64
	Altitude         *float64
	Accuracy         *float64
	AltitudeAccuracy *float64
	Battery          int
	Timestamp        time.Time
}

// Upload converts the sample to the request body.
func (s Sample) Upload() api.LocationUpload {
	battery := s.Battery
	return api.LocationUpload{
		DeviceID:         s.DeviceID,
		Latitude:         s.Latitude,
		Longitude:        s.Longitude,
		Altitude:         s.Altitude,
		Accuracy:         s.Accuracy,
		AltitudeAccuracy: s.AltitudeAccuracy,
		Battery:          &battery,
	}
}

// LoopOpts holds parameters for creating a Loop.
type LoopOpts struct {
	Settings        Settings
	Locator         device.Locator
	Battery         device.Battery // optional; samples report BatteryUnknown without it
	Uploader        Uploader
	DefaultInterval string        // used when none is stored (default "60s")
	UploadTimeout   time.Duration // default 30s
	Logger          *zerolog.Logger
}

// Loop samples and uploads on a cron schedule.
type Loop struct {
	settings        Settings
	locator         device.Locator
	battery         device.Battery
	uploader        Uploader
	defaultInterval time.Duration
	uploadTimeout   time.Duration
	logger          zerolog.Logger

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	cron     *cron.Cron
	job      cron.Job
	entry    cron.EntryID
	interval time.Duration
	last     *Sample
}

// New creates a stopped Loop.
func New(opts LoopOpts) (*Loop, error) {
	if opts.Settings == nil {
		return nil, fmt.Errorf("telemetry: settings are required")
	}
	if opts.Locator == nil {
		return nil, fmt.Errorf("telemetry: locator is required")
	}
	if opts.Uploader == nil {
		return nil, fmt.Errorf("telemetry: uploader is required")
	}
	if opts.DefaultInterval == "" {
		opts.DefaultInterval = "60s"
	}
	def, err := ParseInterval(opts.DefaultInterval)
	if err != nil {
		return nil, err
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Second
	}
	logger := log.With().Str("module", "telemetry").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Loop{
		settings:        opts.Settings,
		locator:         opts.Locator,
		battery:         opts.Battery,
		uploader:        opts.Uploader,
		defaultInterval: def,
		uploadTimeout:   opts.UploadTimeout,
		logger:          logger,
	}, nil
}

// Start samples once immediately and then on every interval. Calling Start
// while running is a no-op.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	cl := cronLogger{l.logger}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.cron = cron.New(cron.WithLogger(cl))
	l.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(l.tick))
	l.interval = l.currentInterval()
	l.entry = l.cron.Schedule(cron.Every(l.interval), l.job)
	l.cron.Start()
	l.running = true

	go l.job.Run()
	l.logger.Info().Str("interval", FormatInterval(l.interval)).Msg("telemetry started")
	return nil
}

// Stop removes the schedule and cancels in-flight work without waiting for
// it, so it may be called from within an upload. It is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, c := l.cancel, l.cron
	l.mu.Unlock()

	cancel()
	c.Stop()
	l.logger.Info().Msg("telemetry stopped")
}

// Running reports whether the loop is scheduled.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Interval returns the active sampling interval.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// LastSample returns the last successfully uploaded sample.
func (l *Loop) LastSample() (Sample, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return Sample{}, false
	}
	return *l.last, true
}

func (l *Loop) tick() {
	l.mu.Lock()
	ctx, running := l.ctx, l.running
	l.mu.Unlock()
	if !running || ctx.Err() != nil {
		return
	}
	l.sample(ctx)
	l.reschedule()
}

// sample takes and uploads one reading. Every failure is logged and the
// sample dropped.
func (l *Loop) sample(ctx context.Context) {
	deviceID, err := l.settings.DeviceID()
	if err != nil {
		l.logger.Error().Err(err).Msg("read device id")
		return
	}
	if deviceID == models.NoDevice {
		l.logger.Debug().Msg("no device selected, skipping sample")
		return
	}
	server, err := l.settings.Server()
	if err != nil || server == "" {
		l.logger.Debug().Err(err).Msg("no server, skipping sample")
		return
	}
	token, err := l.settings.AccessToken()
	if err != nil || token == "" {
		l.logger.Debug().Err(err).Msg("not logged in, skipping sample")
		return
	}

	fix, err := l.locator.Locate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn().Err(err).Msg("location unavailable, sample dropped")
		}
		return
	}

	battery := BatteryUnknown
	if l.battery != nil {
		if pct, err := l.battery.Percent(ctx); err != nil {
			l.logger.Warn().Err(err).Msg("battery unavailable")
		} else {
			battery = pct
		}
	}

	s := Sample{
		DeviceID:         deviceID,
		Latitude:         fix.Latitude,
		Longitude:        fix.Longitude,
		Altitude:         fix.Altitude,
		Accuracy:         fix.Accuracy,
		AltitudeAccuracy: fix.AltitudeAccuracy,
		Battery:          battery,
		Timestamp:        time.Now(),
	}

	uctx, cancel := context.WithTimeout(ctx, l.uploadTimeout)
	defer cancel()
	if err := l.uploader.UploadLocation(uctx, s.Upload()); err != nil {
		if ctx.Err() == nil {
			l.logger.Warn().Err(err).Int("device_id", deviceID).Msg("upload failed, sample dropped")
		}
		return
	}
	l.mu.Lock()
	l.last = &s
	l.mu.Unlock()
	l.logger.Debug().Int("device_id", deviceID).Int("battery", battery).Msg("location uploaded")
}

// reschedule re-registers the cron entry when the stored interval changed, so
// the new interval applies from the next cycle.
func (l *Loop) reschedule() {
	interval := l.currentInterval()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running || interval == l.interval {
		return
	}
	l.cron.Remove(l.entry)
	l.entry = l.cron.Schedule(cron.Every(interval), l.job)
	l.logger.Info().Str("from", FormatInterval(l.interval)).Str("to", FormatInterval(interval)).Msg("interval changed")
	l.interval = interval
}

func (l *Loop) currentInterval() time.Duration {
	raw, err := l.settings.LocationInterval()
	if err != nil {
		l.logger.Warn().Err(err).Msg("read interval, using default")
		return l.defaultInterval
	}
	if raw == "" {
		return l.defaultInterval
	}
	d, err := ParseInterval(raw)
	if err != nil {
		l.logger.Warn().Err(err).Msg("stored interval invalid, using default")
		return l.defaultInterval
	}
	return d
}

// cronLogger routes cron's logs to zerolog; routine scheduling is debug.
type cronLogger struct {
	logger zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(kvFields(keysAndValues)).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(kvFields(keysAndValues)).Msg("cron: " + msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
