package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// ErrInvalid is returned when a configuration value or a runtime update is
// out of range. Callers reject the update before mutating any state.
var ErrInvalid = errors.New("invalid configuration")

// Logical line names. The same names key the pins table in YAML and the
// pin update payload of the remote surface.
const (
	PinDirection = "direction"
	PinStep      = "step"
	PinEnable    = "enable"
	PinLight     = "light"
	PinBtnCW     = "btn_cw"
	PinBtnCCW    = "btn_ccw"
	PinBtnStop   = "btn_stop"
	PinBtnLight  = "btn_light"
	PinLeverCW   = "lever_cw"
	PinLeverCCW  = "lever_ccw"
)

// PinNames lists every line the door controller acquires.
var PinNames = []string{
	PinDirection, PinStep, PinEnable, PinLight,
	PinBtnCW, PinBtnCCW, PinBtnStop, PinBtnLight,
	PinLeverCW, PinLeverCCW,
}

// Parameter bounds shared by Load and runtime updates.
const (
	MinPin         = 0
	MaxPin         = 27
	MinStepsPerRev = 1
	MaxStepsPerRev = 100000
	MinStepDelay   = 50 * time.Microsecond
	MaxStepDelay   = 100 * time.Millisecond
)

// GPIOConfig selects the line driver.
type GPIOConfig struct {
	Driver          string `yaml:"driver"`            // "cdev", "rpio" or "mock"
	Chip            string `yaml:"chip"`              // gpiochip for the cdev driver, e.g. "gpiochip4" on a Pi 5
	Consumer        string `yaml:"consumer"`          // consumer label shown by gpioinfo
	EnableActiveLow bool   `yaml:"enable_active_low"` // true for A4988 ENABLE, false for DRV8825 SLP
	InputsActiveLow bool   `yaml:"inputs_active_low"` // buttons and levers pull the line to ground
}

// MotorConfig holds the stepping defaults.
type MotorConfig struct {
	StepsPerRev   int    `yaml:"steps_per_rev"`
	StepDelayUs   int    `yaml:"step_delay_us"`  // half-cycle of the STEP pulse
	SettleMs      int    `yaml:"settle_ms"`      // driver wake-up delay after asserting enable
	OpenDirection string `yaml:"open_direction"` // "cw" or "ccw"
}

// InputsConfig tunes the polling loop and debouncer.
type InputsConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	ButtonSamples  int `yaml:"button_samples"` // identical consecutive samples before a button changes
	LeverSamples   int `yaml:"lever_samples"`  // samples before an engaged lever counts as released
}

// LocationConfig is used for sunrise/sunset computation.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Timezone  string  `yaml:"timezone"`
}

// OffsetsConfig shifts each daily event relative to sunrise or sunset, in minutes.
type OffsetsConfig struct {
	OpenMin     int `yaml:"open_min"`      // relative to sunrise
	CloseMin    int `yaml:"close_min"`     // relative to sunset
	LightOnMin  int `yaml:"light_on_min"`  // relative to sunset
	LightOffMin int `yaml:"light_off_min"` // relative to sunset
}

// ScheduleConfig drives the astronomical scheduler.
type ScheduleConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Rollover           string        `yaml:"rollover"` // local "HH:MM" at which the day's plan is rebuilt
	TickSeconds        int           `yaml:"tick_seconds"`
	MaxLatenessSeconds int           `yaml:"max_lateness_seconds"`
	Offsets            OffsetsConfig `yaml:"offsets"`
}

// SupervisorConfig controls the recovery loop.
type SupervisorConfig struct {
	BackoffSeconds int `yaml:"backoff_seconds"`
}

// WebConfig configures the HTTP control surface.
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MQTTConfig configures the optional MQTT control surface.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// JournalConfig configures the SQLite event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// InfluxDBConfig configures optional door telemetry.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// CameraConfig describes the external frame source.
// Command must print one JPEG image to stdout per invocation.
type CameraConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Command         []string `yaml:"command"`
	FrameIntervalMs int      `yaml:"frame_interval_ms"`
}

// LoggingConfig configures the debug logger.
type LoggingConfig struct {
	DebugLevel int    `yaml:"debug_level"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	Format     string `yaml:"format"`      // "text" or "json"
}

// Config aggregates all application configuration.
type Config struct {
	GPIO       GPIOConfig       `yaml:"gpio"`
	Pins       map[string]int   `yaml:"pins"`
	Motor      MotorConfig      `yaml:"motor"`
	Inputs     InputsConfig     `yaml:"inputs"`
	Location   LocationConfig   `yaml:"location"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Web        WebConfig        `yaml:"web"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Journal    JournalConfig    `yaml:"journal"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Camera     CameraConfig     `yaml:"camera"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DefaultPins returns the stock wiring of the door controller board (BCM numbering).
func DefaultPins() map[string]int {
	return map[string]int{
		PinEnable:    17,
		PinDirection: 20,
		PinStep:      21,
		PinBtnCW:     5,
		PinBtnCCW:    6,
		PinBtnStop:   13,
		PinLight:     26,
		PinBtnLight:  19,
		PinLeverCW:   12,
		PinLeverCCW:  16,
	}
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		GPIO: GPIOConfig{
			Driver:          "cdev",
			Chip:            "gpiochip4",
			Consumer:        "doorgo",
			EnableActiveLow: false,
			InputsActiveLow: true,
		},
		Pins: DefaultPins(),
		Motor: MotorConfig{
			StepsPerRev:   6000,
			StepDelayUs:   1000,
			SettleMs:      100,
			OpenDirection: "ccw",
		},
		Inputs: InputsConfig{
			PollIntervalMs: 100,
			ButtonSamples:  3,
			LeverSamples:   1,
		},
		Location: LocationConfig{
			Latitude:  53.5396,
			Longitude: 10.004,
			Timezone:  "Europe/Berlin",
		},
		Schedule: ScheduleConfig{
			Enabled:            true,
			Rollover:           "00:01",
			TickSeconds:        60,
			MaxLatenessSeconds: 300,
			Offsets: OffsetsConfig{
				OpenMin:     -20,
				CloseMin:    0,
				LightOnMin:  -15,
				LightOffMin: 15,
			},
		},
		Supervisor: SupervisorConfig{BackoffSeconds: 10},
		Web:        WebConfig{Host: "0.0.0.0", Port: 5000},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "doorgo",
			TopicPrefix: "doorgo",
			QoS:         1,
		},
		Journal:  JournalConfig{Enabled: true, Path: "./data/doorgo.db"},
		InfluxDB: InfluxDBConfig{URL: "http://localhost:8086", Org: "doorgo", Bucket: "door"},
		Camera:   CameraConfig{FrameIntervalMs: 200},
		Logging:  LoggingConfig{DebugLevel: 1, Format: "text"},
	}
}

// ValidateConfigPath checks that path points to a .yaml file inside a
// directory named "configs". It rejects traversal and other extensions.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Ext(abs) != ".yaml" {
		return fmt.Errorf("config path %q must have .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file on top of the defaults, applies DOORGO_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// A partial pins table only overrides the names it lists.
	pins := DefaultPins()
	for name, pin := range cfg.Pins {
		pins[name] = pin
	}
	cfg.Pins = pins

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOORGO_GPIO_DRIVER"); v != "" {
		cfg.GPIO.Driver = v
	}
	if v := os.Getenv("DOORGO_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("DOORGO_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("DOORGO_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("DOORGO_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("DOORGO_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("DOORGO_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("DOORGO_DEBUG_LEVEL"); v != "" {
		if lvl, err := strconv.Atoi(v); err == nil {
			cfg.Logging.DebugLevel = lvl
		}
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.GPIO.Driver {
	case "cdev", "rpio", "mock":
	default:
		errs = append(errs, fmt.Sprintf("gpio.driver must be cdev, rpio or mock, got %q", c.GPIO.Driver))
	}
	if c.GPIO.Driver == "cdev" && c.GPIO.Chip == "" {
		errs = append(errs, "gpio.chip is required for the cdev driver")
	}
	if err := ValidatePins(c.Pins); err != nil {
		errs = append(errs, err.Error())
	}
	if err := ValidateParameters(c.Motor.StepsPerRev, c.StepDelay()); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := ParseDirection(c.Motor.OpenDirection); err != nil {
		errs = append(errs, "motor.open_direction: "+err.Error())
	}
	if c.Motor.SettleMs < 0 {
		errs = append(errs, "motor.settle_ms must be >= 0")
	}
	if c.Inputs.PollIntervalMs < 10 || c.Inputs.PollIntervalMs > 1000 {
		errs = append(errs, "inputs.poll_interval_ms must be between 10 and 1000")
	}
	if c.Inputs.ButtonSamples < 1 || c.Inputs.LeverSamples < 1 {
		errs = append(errs, "inputs.button_samples and inputs.lever_samples must be >= 1")
	}
	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		errs = append(errs, "location.latitude must be between -90 and 90")
	}
	if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
		errs = append(errs, "location.longitude must be between -180 and 180")
	}
	if _, err := time.LoadLocation(c.Location.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("location.timezone %q: %v", c.Location.Timezone, err))
	}
	if _, _, err := ParseClock(c.Schedule.Rollover); err != nil {
		errs = append(errs, "schedule.rollover: "+err.Error())
	}
	if c.Schedule.TickSeconds < 1 {
		errs = append(errs, "schedule.tick_seconds must be >= 1")
	}
	// A window shorter than one tick would skip nearly every entry.
	if c.Schedule.MaxLatenessSeconds < c.Schedule.TickSeconds {
		errs = append(errs, "schedule.max_lateness_seconds must be >= schedule.tick_seconds")
	}
	if c.Supervisor.BackoffSeconds < 1 {
		errs = append(errs, "supervisor.backoff_seconds must be >= 1")
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		errs = append(errs, "web.port must be between 1 and 65535")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			errs = append(errs, "mqtt.host is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when the journal is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Camera.Enabled && len(c.Camera.Command) == 0 {
		errs = append(errs, "camera.command is required when the camera is enabled")
	}
	if c.Logging.DebugLevel < 0 || c.Logging.DebugLevel > 4 {
		errs = append(errs, "logging.debug_level must be between 0 and 4")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// ValidateParameters checks the runtime-tunable motion parameters.
func ValidateParameters(stepsPerRev int, stepDelay time.Duration) error {
	if stepsPerRev < MinStepsPerRev || stepsPerRev > MaxStepsPerRev {
		return fmt.Errorf("%w: steps_per_rev must be between %d and %d, got %d",
			ErrInvalid, MinStepsPerRev, MaxStepsPerRev, stepsPerRev)
	}
	if stepDelay < MinStepDelay || stepDelay > MaxStepDelay {
		return fmt.Errorf("%w: step delay must be between %v and %v, got %v",
			ErrInvalid, MinStepDelay, MaxStepDelay, stepDelay)
	}
	return nil
}

// ValidatePins checks that every line name is assigned exactly once to a
// BCM pin in range, and that no unknown names are present.
func ValidatePins(pins map[string]int) error {
	var errs []string
	known := make(map[string]bool, len(PinNames))
	for _, name := range PinNames {
		known[name] = true
		if _, ok := pins[name]; !ok {
			errs = append(errs, fmt.Sprintf("pin %q is missing", name))
		}
	}

	names := make([]string, 0, len(pins))
	for name := range pins {
		names = append(names, name)
	}
	sort.Strings(names)

	owner := make(map[int]string, len(pins))
	for _, name := range names {
		pin := pins[name]
		if !known[name] {
			errs = append(errs, fmt.Sprintf("unknown pin name %q", name))
			continue
		}
		if pin < MinPin || pin > MaxPin {
			errs = append(errs, fmt.Sprintf("pin %q must be between %d and %d, got %d", name, MinPin, MaxPin, pin))
			continue
		}
		if other, dup := owner[pin]; dup {
			errs = append(errs, fmt.Sprintf("pin %d assigned to both %q and %q", pin, other, name))
			continue
		}
		owner[pin] = name
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// ParseDirection validates a rotation direction name ("cw" or "ccw").
func ParseDirection(s string) (string, error) {
	switch d := strings.ToLower(strings.TrimSpace(s)); d {
	case "cw", "ccw":
		return d, nil
	default:
		return "", fmt.Errorf("%w: direction must be cw or ccw, got %q", ErrInvalid, s)
	}
}

// ParseClock parses a local "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: expected HH:MM, got %q", ErrInvalid, s)
	}
	return t.Hour(), t.Minute(), nil
}

// StepDelay returns the half-cycle duration of a STEP pulse.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Motor.StepDelayUs) * time.Microsecond
}

// SettleDelay returns the driver wake-up delay.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Motor.SettleMs) * time.Millisecond
}

// PollInterval returns the input polling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Inputs.PollIntervalMs) * time.Millisecond
}

// Backoff returns the recovery supervisor's fixed retry delay.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Supervisor.BackoffSeconds) * time.Second
}

// ScheduleTick returns the scheduler tick period.
func (c *Config) ScheduleTick() time.Duration {
	return time.Duration(c.Schedule.TickSeconds) * time.Second
}

// MaxLateness returns how late a schedule entry may still fire.
func (c *Config) MaxLateness() time.Duration {
	return time.Duration(c.Schedule.MaxLatenessSeconds) * time.Second
}

// FrameInterval returns the delay between two camera frames.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.Camera.FrameIntervalMs) * time.Millisecond
}

// TimeLocation returns the configured time zone, falling back to local time.
func (c *Config) TimeLocation() *time.Location {
	loc, err := time.LoadLocation(c.Location.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}
