// Command p2pnoded is the daemon entry point for the peer-to-peer
// networking core. Grounded on lnd.go's lndMain(): load settings, wire up
// logging, start the coordinator, then block until an interrupt or
// SIGTERM arrives.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btclog"
	"github.com/chaincore/p2pcore"
	channelpkg "github.com/chaincore/p2pcore/channel"
	hostspkg "github.com/chaincore/p2pcore/hosts"
	plog "github.com/chaincore/p2pcore/log"
	poolpkg "github.com/chaincore/p2pcore/pool"
	protocolpkg "github.com/chaincore/p2pcore/protocol"
	registrypkg "github.com/chaincore/p2pcore/registry"
	"github.com/chaincore/p2pcore/settings"
	sessionpkg "github.com/chaincore/p2pcore/session"
	"github.com/chaincore/p2pcore/status"
)

var log = plog.NewSubLogger("NODE", btclog.InfoLvl)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := plog.InitLogRotator("p2pnoded.log"); err != nil {
		return err
	}

	wireUpLoggers()

	network := "mainnet"
	if len(os.Args) > 1 {
		network = os.Args[1]
	}

	var s settings.Settings
	switch network {
	case "mainnet":
		s = settings.Mainnet()
	case "testnet":
		s = settings.Testnet()
	default:
		return fmt.Errorf("unknown network %q: expected mainnet or testnet", network)
	}

	log.Infof("starting p2pnoded on %s", network)

	coord := p2pcore.New(s)

	coord.Subscribe(onEvent)

	startDone := make(chan error, 1)
	coord.Start(func(err error) { startDone <- err })
	if err := <-startDone; err != nil {
		return fmt.Errorf("start: %w", err)
	}

	runDone := make(chan error, 1)
	coord.Run(func(err error) { runDone <- err })
	if err := <-runDone; err != nil {
		return fmt.Errorf("run: %w", err)
	}

	log.Infof("p2pnoded started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Infof("p2pnoded shutting down")
	coord.Close()
	log.Infof("p2pnoded stopped")

	return nil
}

func onEvent(ev p2pcore.Event) {
	if ev.Code == status.Success && ev.Channel != nil {
		log.Infof("new active channel: %s", ev.Channel.RemoteAddress().Key())
	}
}

// wireUpLoggers installs a per-subsystem logger in every package that
// exposes a UseLogger hook, mirroring lnd.go's useLogger wiring across
// fundb/peer/server/etc.
func wireUpLoggers() {
	poolpkg.UseLogger(plog.NewSubLogger("POOL", btclog.InfoLvl))
	hostspkg.UseLogger(plog.NewSubLogger("HOST", btclog.InfoLvl))
	registrypkg.UseLogger(plog.NewSubLogger("REGY", btclog.InfoLvl))
	channelpkg.UseLogger(plog.NewSubLogger("CHAN", btclog.InfoLvl))
	protocolpkg.UseLogger(plog.NewSubLogger("PROT", btclog.InfoLvl))
	sessionpkg.UseLogger(plog.NewSubLogger("SESS", btclog.InfoLvl))
}
