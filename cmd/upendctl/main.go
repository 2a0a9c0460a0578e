package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgelink/internal/accounts"
	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/serial"
	"github.com/danmuck/edgelink/internal/upend"
)

func main() {
	path := flag.String("config", "cmd/upendctl/config.toml", "upend config path")
	flag.Parse()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "upendctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	logging.ConfigureRuntime()
	cfg, err := config.LoadUpendConfig(path)
	if err != nil {
		return err
	}
	db, err := accounts.OpenDB(cfg.Accounts.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	var verifier accounts.SecondaryVerifier
	if cfg.Accounts.SecondaryCode != "" {
		verifier = accounts.NewStaticVerifier(cfg.Accounts.SecondaryCode)
	}
	duty := accounts.NewDuty(accounts.NewDirectory(db), accounts.NewFailureLedger(db), verifier, cfg.Accounts.Duty)

	// The loop outlives ctx so the supervisor can sign everyone out.
	loop := serial.NewLoop("upend")
	loop.Start(context.Background())
	defer loop.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := upend.NewSupervisor(loop, duty, cfg.Supervisor)
	duty.Bind(sup)
	sup.SetCommandDuty(newCommandHandler(sup))
	return upend.NewService(cfg.Service, sup).Run(ctx)
}
