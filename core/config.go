package core

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gobuffalo/envy"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/koru3d/koru/gfx"
)

// Configuration defines a global engine configuration setting
type Configuration struct {
	Time     TimeConfiguration
	Renderer RendererConfiguration

	// LogLevel is a logrus level name
	LogLevel string

	// ShaderDirectory is where compiled shaders are looked up
	ShaderDirectory string
}

// TimeConfiguration is used to configure time services
type TimeConfiguration struct {
	// FramesPerSecond caps frames per second that is put out
	// To unlimit, set to 0
	FramesPerSecond int

	// EventPollDelay is the window event polling interval in milliseconds
	EventPollDelay int
}

// RendererConfiguration is used to configure the renderer
type RendererConfiguration struct {
	API              gfx.API
	AppName          string
	FramesInFlight   int
	DeviceExtensions []string
	Debug            bool

	ScreenWidth  int
	ScreenHeight int
}

// DefaultConfiguration is the configuration used for unset variables.
var DefaultConfiguration = Configuration{
	Time: TimeConfiguration{
		FramesPerSecond: 60,
		EventPollDelay:  10,
	},
	Renderer: RendererConfiguration{
		API:            gfx.APIHeadless,
		AppName:        "koru",
		FramesInFlight: 2,
		ScreenWidth:    800,
		ScreenHeight:   600,
	},
	LogLevel:        "info",
	ShaderDirectory: "./shaders",
}

// Environment variables read by LoadConfiguration
const (
	EnvAPI            = "KORU_API"
	EnvFramesInFlight = "KORU_FRAMES_IN_FLIGHT"
	EnvWidth          = "KORU_WIDTH"
	EnvHeight         = "KORU_HEIGHT"
	EnvFPS            = "KORU_FPS"
	EnvEventPollDelay = "KORU_EVENT_POLL_DELAY"
	EnvDebug          = "KORU_DEBUG"
	EnvLogLevel       = "KORU_LOG_LEVEL"
	EnvShaders        = "KORU_SHADERS"
	EnvExtensions     = "KORU_DEVICE_EXTENSIONS"
)

// LoadConfiguration loads the given .env files, or ./.env when none are
// given and it exists, and builds a Configuration from the KORU_*
// environment on top of DefaultConfiguration. Variables already set in
// the environment take precedence over the files.
func LoadConfiguration(files ...string) (Configuration, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Configuration{}, err
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Configuration{}, fmt.Errorf("load configuration: %w", err)
	}
	envy.Reload()

	cfg := DefaultConfiguration
	var err error
	cfg.Renderer.API = gfx.API(envy.Get(EnvAPI, string(cfg.Renderer.API)))
	if cfg.Renderer.FramesInFlight, err = envInt(EnvFramesInFlight, cfg.Renderer.FramesInFlight); err != nil {
		return cfg, err
	}
	if cfg.Renderer.ScreenWidth, err = envInt(EnvWidth, cfg.Renderer.ScreenWidth); err != nil {
		return cfg, err
	}
	if cfg.Renderer.ScreenHeight, err = envInt(EnvHeight, cfg.Renderer.ScreenHeight); err != nil {
		return cfg, err
	}
	if cfg.Time.FramesPerSecond, err = envInt(EnvFPS, cfg.Time.FramesPerSecond); err != nil {
		return cfg, err
	}
	if cfg.Time.EventPollDelay, err = envInt(EnvEventPollDelay, cfg.Time.EventPollDelay); err != nil {
		return cfg, err
	}
	if cfg.Renderer.Debug, err = strconv.ParseBool(envy.Get(EnvDebug, strconv.FormatBool(cfg.Renderer.Debug))); err != nil {
		return cfg, fmt.Errorf("%s: %w", EnvDebug, err)
	}
	if ext := envy.Get(EnvExtensions, ""); ext != "" {
		cfg.Renderer.DeviceExtensions = strings.Split(ext, ",")
	}
	cfg.LogLevel = envy.Get(EnvLogLevel, cfg.LogLevel)
	cfg.ShaderDirectory = envy.Get(EnvShaders, cfg.ShaderDirectory)
	return cfg, cfg.Validate()
}

func envInt(key string, def int) (int, error) {
	v, err := strconv.Atoi(envy.Get(key, strconv.Itoa(def)))
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// MaxFramesInFlight bounds the configured number of frame slots.
const MaxFramesInFlight = 4

// Validate checks the configuration for out of range values.
func (c Configuration) Validate() error {
	if c.Renderer.API == "" {
		return errors.New("renderer api is not set")
	}
	if c.Renderer.FramesInFlight < 1 || c.Renderer.FramesInFlight > MaxFramesInFlight {
		return fmt.Errorf("frames in flight %d outside [1, %d]", c.Renderer.FramesInFlight, MaxFramesInFlight)
	}
	if c.Renderer.ScreenWidth <= 0 || c.Renderer.ScreenHeight <= 0 {
		return fmt.Errorf("invalid screen size %dx%d", c.Renderer.ScreenWidth, c.Renderer.ScreenHeight)
	}
	if c.Time.FramesPerSecond < 0 {
		return fmt.Errorf("invalid frames per second %d", c.Time.FramesPerSecond)
	}
	if c.Time.EventPollDelay < 0 {
		return fmt.Errorf("invalid event poll delay %d", c.Time.EventPollDelay)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Logger creates the engine logger at the configured level.
func (c Configuration) Logger() (*log.Logger, error) {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	l := log.New()
	l.SetLevel(level)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return l, nil
}
