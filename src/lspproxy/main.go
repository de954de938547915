package main

import (
	"github.com/tridha643/constellagent-sub001/src/lspproxy/app"
	"go.uber.org/fx"
)

func opts() fx.Option {
	return fx.Options(
		app.Module,
	)
}

func main() {
	fx.New(opts()).Run()
}
