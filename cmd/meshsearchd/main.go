// Command meshsearchd bootstraps a single meshsearch node: identity, DHT
// overlay, local index, crawl engine, trust kernel, credit ledger, and
// resource governor. It carries no subcommands; a CLI/TUI in front of this
// process is out of scope for this module.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"meshsearch/core"
	"meshsearch/pkg/config"
)

func main() {
	log := logrus.New()

	cfg, err := config.LoadFromEnv(".env")
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	lvl, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		log.WithError(err).Fatal("create data dir")
	}

	id, err := core.LoadOrCreateIdentity(cfg.Identity.KeyPath, cfg.Identity.Passphrase, cfg.Identity.PowDiff)
	if err != nil {
		log.WithError(err).Fatal("load identity")
	}
	log.WithField("peer_id", id.String()).Info("identity ready")

	node, err := core.NewNode(core.Config{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	})
	if err != nil {
		log.WithError(err).Fatal("start network node")
	}
	defer node.Close()

	gov, err := core.NewGovernor(cfg.Governor.Profile, log)
	if err != nil {
		log.WithError(err).Fatal("start resource governor")
	}

	srv, err := core.NewServer(core.ServerConfig{
		Identity:  id,
		Node:      node,
		Governor:  gov,
		DataDir:   cfg.Storage.DataDir,
		AdminAddr: cfg.Admin.ListenAddr,
		Location:  core.Location{Latitude: cfg.Geo.Latitude, Longitude: cfg.Geo.Longitude},
	}, log)
	if err != nil {
		log.WithError(err).Fatal("assemble server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go node.ListenAndServe()

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
}
