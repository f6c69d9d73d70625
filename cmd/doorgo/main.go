package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/DoorGo/internal/config"
	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/hw/camera"
	"github.com/cjeanneret/DoorGo/internal/hw/gpio"
	"github.com/cjeanneret/DoorGo/internal/hw/ioport"
	"github.com/cjeanneret/DoorGo/internal/hw/stepper"
	"github.com/cjeanneret/DoorGo/internal/journal"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
	"github.com/cjeanneret/DoorGo/internal/logic/schedule"
	"github.com/cjeanneret/DoorGo/internal/metrics"
	"github.com/cjeanneret/DoorGo/internal/mqtt"
	"github.com/cjeanneret/DoorGo/internal/supervisor"
	"github.com/cjeanneret/DoorGo/internal/web"
)

const statusInterval = time.Minute

func main() {
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	debugLevel := flag.Int("debug", -1, "override logging.debug_level (0-4)")
	mockGPIO := flag.Bool("mock", false, "use the in-memory GPIO driver")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *debugLevel >= 0 {
		cfg.Logging.DebugLevel = *debugLevel
	}
	if *mockGPIO {
		cfg.GPIO.Driver = "mock"
	}

	logs := web.NewLogBroadcaster()
	debug.Init(cfg.Logging.DebugLevel, cfg.Logging.Format)
	debug.SetOutput(io.MultiWriter(os.Stdout, logs.Writer()))
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Logging.DebugLevel)
	debug.Value("GPIO driver", cfg.GPIO.Driver)

	a, err := newApp(cfg, logs, driverFactory(cfg))
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	runErr := a.run(ctx)
	if err := a.close(); err != nil {
		debug.Warn("Shutdown incomplete", "err", err)
	}
	if runErr != nil {
		log.Fatalf("doorgo: %v", runErr)
	}
}

// driverFactory creates a new GPIO driver for every supervisor cycle. The
// mock driver is shared so that its state survives a re-open.
func driverFactory(cfg *config.Config) supervisor.DriverFactory {
	if cfg.GPIO.Driver == "mock" {
		mock := gpio.NewMockDriver()
		return func() (gpio.Driver, error) { return mock, nil }
	}
	return func() (gpio.Driver, error) {
		return gpio.NewDriver(cfg.GPIO.Driver, cfg.GPIO.Chip, cfg.GPIO.Consumer)
	}
}

// app holds every long-lived component. Optional ones are nil when
// disabled or unreachable.
type app struct {
	cfg        *config.Config
	arbiter    *motion.Arbiter
	scheduler  *schedule.Scheduler
	journal    *journal.Journal
	metrics    *metrics.Recorder
	mqtt       *mqtt.Client
	bridge     *mqtt.Bridge
	feed       *camera.Feed
	supervisor *supervisor.Supervisor
	server     *web.Server
}

func newApp(cfg *config.Config, logs *web.LogBroadcaster, newDriver supervisor.DriverFactory) (*app, error) {
	openDir, err := door.ParseDirection(cfg.Motor.OpenDirection)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	a.arbiter = motion.NewArbiter(stepper.Params{StepsPerRev: cfg.Motor.StepsPerRev, StepDelay: cfg.StepDelay()})

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, journal.DefaultBuffer)
		if err != nil {
			debug.Warn("Journal unavailable, events will not be recorded", "path", cfg.Journal.Path, "err", err)
		} else {
			a.journal = j
			a.arbiter.AddNotifier(j)
		}
	}

	if rec, err := metrics.Connect(cfg.InfluxDB); err == nil {
		a.metrics = rec
		a.arbiter.AddNotifier(rec)
	} else if !errors.Is(err, metrics.ErrDisabled) {
		debug.Warn("InfluxDB unavailable, telemetry disabled", "url", cfg.InfluxDB.URL, "err", err)
	}

	if cfg.MQTT.Enabled {
		if err := a.connectMQTT(openDir); err != nil {
			debug.Warn("MQTT unavailable, remote control over MQTT disabled", "err", err)
		}
	}

	if cfg.Schedule.Enabled {
		hour, minute, err := config.ParseClock(cfg.Schedule.Rollover)
		if err != nil {
			return nil, err
		}
		a.scheduler = schedule.New(schedule.Config{
			Location: schedule.Location{
				Latitude:  cfg.Location.Latitude,
				Longitude: cfg.Location.Longitude,
				TZ:        cfg.TimeLocation(),
			},
			Offsets: schedule.Offsets{
				Open:     time.Duration(cfg.Schedule.Offsets.OpenMin) * time.Minute,
				Close:    time.Duration(cfg.Schedule.Offsets.CloseMin) * time.Minute,
				LightOn:  time.Duration(cfg.Schedule.Offsets.LightOnMin) * time.Minute,
				LightOff: time.Duration(cfg.Schedule.Offsets.LightOffMin) * time.Minute,
			},
			OpenDirection:  openDir,
			RolloverHour:   hour,
			RolloverMinute: minute,
			Tick:           cfg.ScheduleTick(),
			MaxLateness:    cfg.MaxLateness(),
		}, schedule.Astronomical{}, a.arbiter)
	}

	if cfg.Camera.Enabled {
		src, err := camera.NewCommandSource(cfg.Camera.Command, nil)
		if err != nil {
			return nil, err
		}
		a.feed = camera.NewFeed(src, cfg.FrameInterval(), true)
	}

	doorCfg := supervisor.DoorConfig{
		Arbiter:      a.arbiter,
		Motor:        stepper.Config{Settle: cfg.SettleDelay()},
		PollInterval: cfg.PollInterval(),
	}
	if a.scheduler != nil {
		doorCfg.Scheduler = a.scheduler
	}
	a.supervisor = supervisor.New(supervisor.Config{
		Backoff: cfg.Backoff(),
		Pins:    cfg.Pins,
		Open: supervisor.PortOpener(newDriver, ioport.Options{
			EnableActiveLow: cfg.GPIO.EnableActiveLow,
			InputsActiveLow: cfg.GPIO.InputsActiveLow,
			ButtonSamples:   cfg.Inputs.ButtonSamples,
			LeverSamples:    cfg.Inputs.LeverSamples,
		}, a.arbiter.LastLight),
		Build: supervisor.DoorBuilder(doorCfg),
	})

	hub := web.NewHub()
	a.arbiter.AddNotifier(hub)
	deps := web.Deps{
		Controller:    a.arbiter,
		Recovery:      a.supervisor,
		Logs:          logs,
		Hub:           hub,
		OpenDirection: openDir,
	}
	if a.scheduler != nil {
		deps.Schedule = a.scheduler
	}
	if a.journal != nil {
		deps.History = a.journal
	}
	if a.feed != nil {
		deps.Camera = a.feed
	}
	a.server, err = web.NewServer(cfg.Addr(), deps)
	if err != nil {
		return nil, fmt.Errorf("web server: %w", err)
	}
	return a, nil
}

func (a *app) connectMQTT(openDir door.Direction) error {
	client, err := mqtt.Connect(a.cfg.MQTT)
	if err != nil {
		return err
	}
	topics := mqtt.Topics{Prefix: a.cfg.MQTT.TopicPrefix}
	qos := byte(a.cfg.MQTT.QoS)
	bridge := mqtt.NewBridge(client, a.arbiter, topics, qos, openDir)
	if err := client.Subscribe(topics.Command(), qos, bridge.HandleCommand); err != nil {
		client.Close()
		return err
	}
	a.mqtt = client
	a.bridge = bridge
	a.arbiter.AddNotifier(bridge)
	return nil
}

// run starts every loop and blocks until ctx is done or one of them fails.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.supervisor.Run(ctx) })
	g.Go(func() error { return a.server.Run(ctx) })
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(ctx) })
	}
	if a.feed != nil {
		g.Go(func() error { return a.feed.Run(ctx) })
	}
	if a.metrics != nil {
		g.Go(func() error { return a.metrics.Run(ctx, statusInterval, a.arbiter.Status) })
	}
	debug.Info("DoorGo running", "addr", a.cfg.Addr(), "open_direction", a.cfg.Motor.OpenDirection)
	return g.Wait()
}

// close releases the optional components once every loop has returned.
func (a *app) close() error {
	return errors.Join(a.mqtt.Close(), a.metrics.Close(), a.journal.Close())
}
