package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/fx"

	"github.com/dlemos/pchat/internal/config"
	"github.com/dlemos/pchat/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.pchat/config.toml)")
	flag.Parse()

	if err := config.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	path := *configFlag
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		if err := config.Save(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Cfg:     cfg,
			DBPath:  config.DBPath(),
			LogPath: config.LogPath(),
		}),
	)

	app.Run()
}
