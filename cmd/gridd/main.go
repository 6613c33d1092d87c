// gridd is the headless chat sync daemon. It connects one profile to the
// chat server, mirrors conversation state locally, and exposes everything
// through the process event bus.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gridhq/gridclient/internal/client"
	"github.com/gridhq/gridclient/internal/session"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile to run (default from config.toml, then \"main\")")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := fx.New(
		client.Module(client.Params{Profile: profile}),
		fx.NopLogger,
	)
	app.Run()
}
