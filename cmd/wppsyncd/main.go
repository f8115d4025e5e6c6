package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/wppsync/internal/daemon"
	"github.com/matheus3301/wppsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	relayFlag := flag.String("relay-addr", "", "TCP listen address for the change relay (default: Unix socket)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, RelayAddr: *relayFlag}),
	)

	app.Run()
}
