package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/tgvault/tgvault/internal/daemon"
)

func main() {
	dataDir := flag.String("data-dir", "", "data directory (default ~/.tgvault)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			DataDir: *dataDir,
			Listen:  *listen,
		}),
	)

	app.Run()
}
