package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jonian/libretro-panda3ds/panda"
	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/disasm"
	"github.com/jonian/libretro-panda3ds/panda/timing"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	app := cli.NewApp()
	app.Name = "panda3ds"
	app.Description = "A 3DS emulator core with a high level kernel"
	app.Usage = "panda3ds <command> [options]"
	app.Version = "0.1.0"

	configFlag := cli.StringFlag{
		Name:  "config",
		Usage: "Path to the config file",
		Value: config.DefaultPath(),
	}
	logLevelFlag := cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level (debug, info, warn, error), overrides the config file",
	}

	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "Run an executable",
			ArgsUsage: "<ROM file>",
			Flags: []cli.Flag{
				configFlag,
				logLevelFlag,
				cli.IntFlag{
					Name:  "frames",
					Usage: "Number of frames to run, 0 runs until the application exits",
				},
				cli.BoolFlag{
					Name:  "headless",
					Usage: "Run as fast as possible, without frame pacing",
				},
				cli.StringFlag{
					Name:  "load-state",
					Usage: "Save state to load after boot",
				},
				cli.StringFlag{
					Name:  "save-state",
					Usage: "Write a save state when emulation stops",
				},
			},
			Action: runEmulator,
		},
		{
			Name:      "disasm",
			Usage:     "Disassemble an executable as loaded in memory",
			ArgsUsage: "<ROM file>",
			Flags: []cli.Flag{
				configFlag,
				logLevelFlag,
				cli.StringFlag{
					Name:  "addr",
					Usage: "Start address (default: entry point)",
				},
				cli.IntFlag{
					Name:  "count",
					Usage: "Number of instructions",
					Value: 32,
				},
				cli.BoolFlag{
					Name:  "thumb",
					Usage: "Decode Thumb instructions",
				},
			},
			Action: disassemble,
		},
		{
			Name:  "config",
			Usage: "Manage the config file",
			Subcommands: []cli.Command{
				{
					Name:      "init",
					Usage:     "Write the default config",
					ArgsUsage: "[path]",
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
					},
					Action: configInit,
				},
				{
					Name:      "show",
					Usage:     "Print the effective config",
					ArgsUsage: "[path]",
					Action:    configShow,
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		slog.Error("Error running emulator", "error", err)
		os.Exit(1)
	}
}

// setupLogging logs as text on a terminal and as JSON otherwise.
func setupLogging(level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig(c *cli.Context) (config.EmulatorConfig, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return cfg, err
	}
	setupLogging(level)
	return cfg, nil
}

func romPath(c *cli.Context, cfg config.EmulatorConfig) (string, error) {
	if c.NArg() > 0 {
		return c.Args().First(), nil
	}
	if cfg.DefaultROMPath != "" {
		return cfg.DefaultROMPath, nil
	}
	cli.ShowCommandHelp(c, c.Command.Name)
	return "", errors.New("no ROM path provided")
}

func runEmulator(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	rom, err := romPath(c, cfg)
	if err != nil {
		return err
	}
	frames := c.Int("frames")
	if frames < 0 {
		return errors.New("--frames must not be negative")
	}

	emu := panda.New(cfg)
	if c.Bool("headless") {
		emu.SetLimiter(timing.NewNoOpLimiter())
	}
	if err := emu.LoadROM(rom); err != nil {
		return err
	}
	if path := c.String("load-state"); path != "" {
		if err := loadState(emu, path); err != nil {
			return err
		}
	}

	slog.Info("Running", "rom", rom, "frames", frames, "headless", c.Bool("headless"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return runFrames(ctx, emu, frames)
	})
	g.Go(func() error {
		return watchSignals(ctx, cancel)
	})
	runErr := g.Wait()

	if path := c.String("save-state"); path != "" {
		if err := saveState(emu, path); err != nil {
			return errors.Join(runErr, err)
		}
	}

	slog.Info("Emulation stopped", "frames", emu.Frames(), "ticks", emu.Ticks())
	return runErr
}

func runFrames(ctx context.Context, emu *panda.Emulator, frames int) error {
	for i := 0; frames == 0 || i < frames; i++ {
		if ctx.Err() != nil {
			return nil
		}
		err := emu.RunFrame()
		if errors.Is(err, panda.ErrGuestExited) {
			return nil
		}
		if err != nil {
			return err
		}
		if i%60 == 0 {
			slog.Debug("Frame progress", "completed", i+1, "total", frames)
		}
	}
	return nil
}

func watchSignals(ctx context.Context, cancel context.CancelFunc) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case s := <-sigs:
		slog.Info("Stopping after the current frame", "signal", s)
		cancel()
	case <-ctx.Done():
	}
	return nil
}

func loadState(emu *panda.Emulator, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return emu.LoadState(f)
}

func saveState(emu *panda.Emulator, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := emu.SaveState(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func disassemble(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	rom, err := romPath(c, cfg)
	if err != nil {
		return err
	}

	emu := panda.New(cfg)
	if err := emu.LoadROM(rom); err != nil {
		return err
	}

	addr := emu.GetRegisterSnapshot().R[15]
	if s := c.String("addr"); s != "" {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", s, err)
		}
		addr = uint32(v)
	}

	for _, line := range disasm.Range(addr, c.Int("count"), c.Bool("thumb"), emu.Memory()) {
		fmt.Println(line)
	}
	return nil
}

func configArg(c *cli.Context) string {
	if c.NArg() > 0 {
		return c.Args().First()
	}
	return config.DefaultPath()
}

func configInit(c *cli.Context) error {
	path := configArg(c)
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Println("Wrote", path)
	return nil
}

func configShow(c *cli.Context) error {
	cfg, err := config.Load(configArg(c))
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
