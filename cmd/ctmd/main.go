package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"

	"github.com/chattomap/ctm/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "config file (default ~/.ctm/config.toml)")
	socketFlag := flag.String("socket", "", "unix socket to listen on (default ~/.ctm/ctmd.sock)")
	serverFlag := flag.String("server", "", "processing service URL (overrides config)")
	levelFlag := flag.String("log-level", "info", "stderr log level: debug, info, warn, error")
	flag.Parse()

	level, err := zapcore.ParseLevel(*levelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath:   *configFlag,
			SocketPath:   *socketFlag,
			ServerURL:    *serverFlag,
			ConsoleLevel: level,
		}),
	)

	app.Run()
}
