package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/downend"
	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/serial"
)

func main() {
	path := flag.String("config", "cmd/downendctl/config.toml", "downend config path")
	login := flag.String("login", "", "login to sign in with (overrides config)")
	flag.Parse()
	if err := run(*path, *login); err != nil {
		fmt.Fprintf(os.Stderr, "downendctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path, login string) error {
	logging.ConfigureRuntime()
	cfg, err := config.LoadDownendConfig(path)
	if err != nil {
		return err
	}
	if login != "" {
		cfg.Login = login
	}

	loop := serial.NewLoop("downend")
	loop.Start(context.Background())
	defer loop.Close()

	con := newConsole(os.Stdin, os.Stdout, cfg.Login, int(os.Stdin.Fd()))
	connector := downend.TransportConnector{Addr: cfg.Addr, Session: cfg.Session}
	sup, err := downend.NewSupervisor(loop, connector, con, cfg.Supervisor)
	if err != nil {
		return err
	}
	sup.OnEvent(con.observe)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sup.Start()
	con.run(ctx, sup)

	sup.Stop()
	select {
	case <-con.stopped():
	case <-time.After(5 * time.Second):
		return errors.New("supervisor did not stop")
	}
	if out := sup.Status().Outcome; out != nil {
		return out
	}
	return nil
}
