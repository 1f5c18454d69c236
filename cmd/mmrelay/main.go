package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mmrelay/mmrelay/common/version"
	"github.com/mmrelay/mmrelay/internal/mmrelay/app"
	"github.com/mmrelay/mmrelay/internal/mmrelay/config"
)

func main() {
	var (
		configPath     = flag.String("config", "", "path to config.yaml (default: user config dir)")
		logFile        = flag.String("logfile", "", "write logs to this file in addition to stderr")
		dataDir        = flag.String("data-dir", "", "directory for the relay database and E2EE store")
		showVersion    = flag.Bool("version", false, "print version and exit")
		generateConfig = flag.Bool("generate-config", false, "write a sample config.yaml and exit")
		checkConfig    = flag.Bool("check-config", false, "validate the config file and exit")
		installService = flag.Bool("install-service", false, "install a systemd user unit and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mmrelay %s\n", version.Info())
		return
	}

	path := *configPath
	if path == "" {
		dir, err := app.DefaultDataDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path = filepath.Join(dir, "config.yaml")
	}

	switch {
	case *generateConfig:
		if err := writeSampleConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote sample config to %s\n", path)
		return

	case *checkConfig:
		if err := config.Check(path); err != nil {
			fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Config %s is valid\n", path)
		return

	case *installService:
		unitPath, err := app.InstallService(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Installed %s\n", unitPath)
		fmt.Println("Enable and start with:")
		fmt.Println("  systemctl --user enable --now mmrelay.service")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := app.Run(ctx, app.Options{
		ConfigPath: path,
		LogFile:    *logFile,
		DataDir:    *dataDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// writeSampleConfig refuses to clobber an existing file.
func writeSampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, []byte(config.Sample), 0o600)
}
