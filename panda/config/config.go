package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClockRate is the ARM11 core clock of the console, in Hz.
const ClockRate = 268111856

// Language is the system language reported to guest software through cfg:u.
type Language string

const (
	LanguageJapanese   Language = "ja"
	LanguageEnglish    Language = "en"
	LanguageFrench     Language = "fr"
	LanguageGerman     Language = "de"
	LanguageItalian    Language = "it"
	LanguageSpanish    Language = "es"
	LanguageChinese    Language = "zh"
	LanguageKorean     Language = "ko"
	LanguageDutch      Language = "nl"
	LanguagePortuguese Language = "pt"
	LanguageRussian    Language = "ru"
	LanguageTaiwanese  Language = "tw"
)

var languageCodes = []Language{
	LanguageJapanese, LanguageEnglish, LanguageFrench, LanguageGerman,
	LanguageItalian, LanguageSpanish, LanguageChinese, LanguageKorean,
	LanguageDutch, LanguagePortuguese, LanguageRussian, LanguageTaiwanese,
}

// Code returns the numeric language code stored in the config savegame block.
func (l Language) Code() (uint8, bool) {
	for i, code := range languageCodes {
		if code == l {
			return uint8(i), true
		}
	}
	return 0, false
}

// Region is the console region reported by cfg:u.
type Region string

const (
	RegionJapan     Region = "JPN"
	RegionUSA       Region = "USA"
	RegionEurope    Region = "EUR"
	RegionAustralia Region = "AUS"
	RegionChina     Region = "CHN"
	RegionKorea     Region = "KOR"
	RegionTaiwan    Region = "TWN"
)

var regionCodes = []Region{RegionJapan, RegionUSA, RegionEurope, RegionAustralia, RegionChina, RegionKorea, RegionTaiwan}

// Code returns the numeric region code.
func (r Region) Code() (uint8, bool) {
	for i, code := range regionCodes {
		if code == r {
			return uint8(i), true
		}
	}
	return 0, false
}

// Model is the console model reported by cfg:u.
type Model string

const (
	Model3DS    Model = "3DS"
	Model3DSXL  Model = "3DSXL"
	ModelNew3DS Model = "N3DS"
	Model2DS    Model = "2DS"
)

var modelCodes = []Model{Model3DS, Model3DSXL, ModelNew3DS, Model2DS}

// Code returns the numeric model code.
func (m Model) Code() (uint8, bool) {
	for i, code := range modelCodes {
		if code == m {
			return uint8(i), true
		}
	}
	return 0, false
}

type CPUConfig struct {
	// SliceCycles caps the amount of cycles the CPU runs before the scheduler is polled.
	SliceCycles uint64 `yaml:"slice_cycles"`
}

type KernelConfig struct {
	// MutexRecursion allows the owner of a mutex to lock it again, like the real kernel does.
	// When disabled, re-acquiring an owned mutex fails.
	MutexRecursion bool `yaml:"mutex_recursion"`
	// TimeSliceCycles is how long a thread runs before threads of equal priority get a turn.
	TimeSliceCycles uint64 `yaml:"time_slice_cycles"`
	// IPCLatencyCycles delays the reply of HLE services.
	IPCLatencyCycles uint64 `yaml:"ipc_latency_cycles"`
	// AppMemoryMB is the amount of FCRAM the application may commit.
	AppMemoryMB uint32 `yaml:"app_memory_mb"`
}

type SystemConfig struct {
	Language          Language `yaml:"language"`
	Region            Region   `yaml:"region"`
	Model             Model    `yaml:"model"`
	Username          string   `yaml:"username"`
	BatteryPercentage int      `yaml:"battery_percentage"`
	ChargerPlugged    bool     `yaml:"charger_plugged"`
}

// BatteryLevel returns the battery charge on the 0-5 scale of the system.
func (s SystemConfig) BatteryLevel() uint8 {
	return uint8(max(0, min(s.BatteryPercentage, 100)) * 5 / 100)
}

// Charging reports whether the battery is being charged.
func (s SystemConfig) Charging() bool {
	return s.ChargerPlugged && s.BatteryPercentage < 100
}

type FrameConfig struct {
	LimitSpeed bool `yaml:"limit_speed"`
	FPS        int  `yaml:"fps"`
}

type LogConfig struct {
	Level             string `yaml:"level"`
	TraceInstructions bool   `yaml:"trace_instructions"`
	// DebugHistory is how many lines of guest debug output are kept, 0 keeps none.
	DebugHistory int `yaml:"debug_history"`
}

// EmulatorConfig holds every setting consumed by the emulation core.
type EmulatorConfig struct {
	CPU            CPUConfig    `yaml:"cpu"`
	Kernel         KernelConfig `yaml:"kernel"`
	System         SystemConfig `yaml:"system"`
	Frame          FrameConfig  `yaml:"frame"`
	Log            LogConfig    `yaml:"log"`
	DefaultROMPath string       `yaml:"default_rom_path"`
}

// Default returns the configuration used when no config file exists.
func Default() EmulatorConfig {
	return EmulatorConfig{
		CPU: CPUConfig{
			SliceCycles: 50_000,
		},
		Kernel: KernelConfig{
			MutexRecursion:   true,
			TimeSliceCycles:  ClockRate / 1000,
			IPCLatencyCycles: 0,
			AppMemoryMB:      64,
		},
		System: SystemConfig{
			Language:          LanguageEnglish,
			Region:            RegionUSA,
			Model:             Model3DS,
			Username:          "Panda",
			BatteryPercentage: 80,
			ChargerPlugged:    true,
		},
		Frame: FrameConfig{
			LimitSpeed: true,
			FPS:        60,
		},
		Log: LogConfig{
			Level:        "info",
			DebugHistory: 64,
		},
	}
}

// CyclesPerFrame returns the amount of CPU cycles between two VBlanks.
func (c EmulatorConfig) CyclesPerFrame() uint64 {
	return ClockRate / uint64(c.Frame.FPS)
}

// Validate checks that every field holds a usable value.
func (c EmulatorConfig) Validate() error {
	var errs []error

	if c.CPU.SliceCycles == 0 {
		errs = append(errs, errors.New("cpu.slice_cycles must be positive"))
	}
	if c.Kernel.TimeSliceCycles == 0 {
		errs = append(errs, errors.New("kernel.time_slice_cycles must be positive"))
	}
	if c.Kernel.AppMemoryMB == 0 || c.Kernel.AppMemoryMB > 178 {
		errs = append(errs, fmt.Errorf("kernel.app_memory_mb out of range: %d", c.Kernel.AppMemoryMB))
	}
	if _, ok := c.System.Language.Code(); !ok {
		errs = append(errs, fmt.Errorf("unknown system.language %q", c.System.Language))
	}
	if _, ok := c.System.Region.Code(); !ok {
		errs = append(errs, fmt.Errorf("unknown system.region %q", c.System.Region))
	}
	if _, ok := c.System.Model.Code(); !ok {
		errs = append(errs, fmt.Errorf("unknown system.model %q", c.System.Model))
	}
	if c.System.BatteryPercentage < 0 || c.System.BatteryPercentage > 100 {
		errs = append(errs, fmt.Errorf("system.battery_percentage out of range: %d", c.System.BatteryPercentage))
	}
	if c.Frame.FPS <= 0 || c.Frame.FPS > 240 {
		errs = append(errs, fmt.Errorf("frame.fps out of range: %d", c.Frame.FPS))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.DebugHistory < 0 {
		errs = append(errs, fmt.Errorf("log.debug_history must not be negative: %d", c.Log.DebugHistory))
	}

	return errors.Join(errs...)
}

// ParseLevel converts a config log level into a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (EmulatorConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("Config file not found, using defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Default(), fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration to path, creating parent directories as needed.
func (c EmulatorConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// DefaultPath returns the config location inside the user's config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "panda3ds", "config.yaml")
}
