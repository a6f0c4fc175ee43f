package main

import (
	"github.com/alecthomas/kong"

	"github.com/vitaminmoo/glowswitch/internal/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("glowswitch"),
		kong.Description("GlowSwitch BLE light control"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
