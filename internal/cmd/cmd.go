// Package cmd is the dnsveto CLI entry point: it parses configuration,
// wires up logging, loads the blacklist, starts the proxy and the
// optional admin HTTP surface, and waits for a termination signal.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"

	"github.com/rafalfr/dnsveto/internal/api"
	"github.com/rafalfr/dnsveto/internal/blacklist"
	"github.com/rafalfr/dnsveto/internal/config"
	"github.com/rafalfr/dnsveto/internal/fetch"
	"github.com/rafalfr/dnsveto/internal/logging"
	"github.com/rafalfr/dnsveto/internal/stats"
	"github.com/rafalfr/dnsveto/proxy"
)

// blacklistReloadInterval is how often the blacklist file is re-read from
// disk (or re-fetched, if blacklist_path names a URL) to pick up edits
// without a restart.
const blacklistReloadInterval = 10 * time.Minute

// Main is the entrypoint of the dnsveto CLI.
func Main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal("dnsveto: parsing configuration: %s", err)
	}

	logOutput := os.Stderr
	if cfg.LogOutput != "" {
		// #nosec G302 -- the log path comes from trusted local configuration.
		logOutput, err = os.OpenFile(cfg.LogOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatal("dnsveto: opening log file: %s", err)
		}
		defer logOutput.Close()
	}
	logging.Setup(cfg.Verbose, logOutput)

	log.Info("dnsveto starting, listening on %s", cfg.ListenAddr)

	if err := run(cfg); err != nil {
		log.Fatal("dnsveto: %s", err)
	}
}

func run(cfg *config.Config) error {
	bl := blacklist.New()
	if cfg.BlacklistPath != "" {
		if err := reloadBlacklist(bl, cfg); err != nil {
			return errors.Annotate(err, "loading blacklist: %w")
		}
	}

	timeout, err := time.ParseDuration(cfg.TransactionTimeout)
	if err != nil {
		return errors.Annotate(err, "parsing transaction_timeout: %w")
	}

	st := stats.New()

	p, err := proxy.New(cfg, bl, st, timeout)
	if err != nil {
		return errors.Annotate(err, "creating proxy: %w")
	}
	p.Start()
	defer p.Shutdown()

	var admin *api.Server
	if cfg.AdminListenAddr != "" {
		admin = api.New(cfg.AdminListenAddr, st)
		go func() {
			if err := admin.Start(); err != nil {
				log.Error("dnsveto: admin server: %s", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.BlacklistPath != "" {
		go reloadLoop(ctx, bl, cfg)
	}

	waitForSignal()
	log.Info("dnsveto shutting down")

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Error("dnsveto: admin server shutdown: %s", err)
		}
	}

	return nil
}

// reloadLoop periodically re-reads the configured blacklist until ctx is
// canceled, matching the teacher's pattern of a scheduled background
// updater for blocklists that can change without a restart.
func reloadLoop(ctx context.Context, bl *blacklist.Blacklist, cfg *config.Config) {
	ticker := time.NewTicker(blacklistReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reloadBlacklist(bl, cfg); err != nil {
				log.Error("dnsveto: reloading blacklist: %s", err)
			}
		}
	}
}

// reloadBlacklist resolves cfg.BlacklistPath (downloading it first if it
// names an http(s) URL) and reloads bl from the resolved local file.
func reloadBlacklist(bl *blacklist.Blacklist, cfg *config.Config) error {
	path, err := fetch.Resolve(cfg.BlacklistPath, os.TempDir(), fetch.DefaultStaleAfter)
	if err != nil {
		return err
	}
	return bl.Reload(path, cfg.BlacklistPath)
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
