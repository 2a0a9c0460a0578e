// Package config loads the TOML files of the edgelink binaries. Keys that a
// file leaves out keep their runtime defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgelink/internal/accounts"
	"github.com/danmuck/edgelink/internal/downend"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/upend"
)

// UpendConfig is everything upendctl needs to run.
type UpendConfig struct {
	Service    upend.ServiceConfig
	Supervisor upend.SupervisorConfig
	Accounts   AccountsConfig
}

// AccountsConfig locates the user database and tunes the signon policy.
type AccountsConfig struct {
	Database string
	Duty     accounts.DutyConfig
	// SecondaryCode enables the secondary step for users with a phone
	// number. Empty disables it.
	SecondaryCode string
}

// DownendConfig is everything downendctl needs to run.
type DownendConfig struct {
	Addr       string
	Session    session.Config
	Supervisor downend.Config
	// Login pre-fills the credential prompt.
	Login string
}

func DefaultUpendConfig() UpendConfig {
	return UpendConfig{
		Service:    upend.DefaultServiceConfig(),
		Supervisor: upend.DefaultSupervisorConfig(),
		Accounts: AccountsConfig{
			Database: "edgelink.db",
			Duty:     accounts.DefaultDutyConfig(),
		},
	}
}

func DefaultDownendConfig() DownendConfig {
	return DownendConfig{
		Addr:       "127.0.0.1:9400",
		Session:    session.DefaultConfig(),
		Supervisor: downend.DefaultConfig(),
	}
}

type upendFile struct {
	Node            string       `toml:"node"`
	ListenAddr      string       `toml:"listen_addr"`
	LinkListenAddr  string       `toml:"link_listen_addr"`
	AdminListenAddr string       `toml:"admin_listen_addr"`
	AdminToken      string       `toml:"admin_token"`
	CORSOrigins     []string     `toml:"cors_origins"`
	SignonTimeout   string       `toml:"signon_timeout"`
	SweepInterval   string       `toml:"sweep_interval"`
	Boundary        boundaryFile `toml:"boundary"`
	TLS             tlsFile      `toml:"tls"`
	Accounts        accountsFile `toml:"accounts"`
}

type accountsFile struct {
	Database      string `toml:"database"`
	MaxFailures   int    `toml:"max_failures"`
	QueryTimeout  string `toml:"query_timeout"`
	SecondaryCode string `toml:"secondary_code"`
}

type downendFile struct {
	Node     string       `toml:"node"`
	Addr     string       `toml:"addr"`
	Login    string       `toml:"login"`
	Boundary boundaryFile `toml:"boundary"`
	TLS      tlsFile      `toml:"tls"`
}

// LoadUpendConfig reads path over DefaultUpendConfig and validates the
// result.
func LoadUpendConfig(path string) (UpendConfig, error) {
	cfg := DefaultUpendConfig()
	var raw upendFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return UpendConfig{}, fmt.Errorf("load upend config: %w", err)
	}
	if meta.IsDefined("node") {
		cfg.Supervisor.Node = strings.TrimSpace(raw.Node)
	}
	if meta.IsDefined("listen_addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("link_listen_addr") {
		cfg.Service.LinkListenAddr = strings.TrimSpace(raw.LinkListenAddr)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.Service.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.Service.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Service.CORSOrigins = trimAll(raw.CORSOrigins)
	}
	if meta.IsDefined("signon_timeout") {
		if cfg.Service.SignonTimeout, err = parseDuration("signon_timeout", raw.SignonTimeout); err != nil {
			return UpendConfig{}, err
		}
	}
	if meta.IsDefined("sweep_interval") {
		if cfg.Supervisor.SweepInterval, err = parseDuration("sweep_interval", raw.SweepInterval); err != nil {
			return UpendConfig{}, err
		}
	}
	if err := applyBoundary(meta, raw.Boundary, &cfg.Service.Session.Boundary); err != nil {
		return UpendConfig{}, err
	}
	applyTLS(meta, raw.TLS, &cfg.Service.Session)
	if meta.IsDefined("accounts", "database") {
		cfg.Accounts.Database = strings.TrimSpace(raw.Accounts.Database)
	}
	if meta.IsDefined("accounts", "max_failures") {
		cfg.Accounts.Duty.MaxFailures = raw.Accounts.MaxFailures
	}
	if meta.IsDefined("accounts", "query_timeout") {
		if cfg.Accounts.Duty.QueryTimeout, err = parseDuration("accounts.query_timeout", raw.Accounts.QueryTimeout); err != nil {
			return UpendConfig{}, err
		}
	}
	if meta.IsDefined("accounts", "secondary_code") {
		cfg.Accounts.SecondaryCode = strings.TrimSpace(raw.Accounts.SecondaryCode)
	}

	cfg.Service.Session = cfg.Service.Session.WithDefaults()
	cfg.Supervisor.Boundary = cfg.Service.Session.Boundary
	if err := ValidateUpendConfig(cfg); err != nil {
		return UpendConfig{}, err
	}
	return cfg, nil
}

// LoadDownendConfig reads path over DefaultDownendConfig and validates the
// result.
func LoadDownendConfig(path string) (DownendConfig, error) {
	cfg := DefaultDownendConfig()
	var raw downendFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return DownendConfig{}, fmt.Errorf("load downend config: %w", err)
	}
	if meta.IsDefined("node") {
		cfg.Supervisor.Node = strings.TrimSpace(raw.Node)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("login") {
		cfg.Login = strings.TrimSpace(raw.Login)
	}
	if err := applyBoundary(meta, raw.Boundary, &cfg.Session.Boundary); err != nil {
		return DownendConfig{}, err
	}
	applyTLS(meta, raw.TLS, &cfg.Session)

	cfg.Session = cfg.Session.WithDefaults()
	cfg.Supervisor.Boundary = cfg.Session.Boundary
	if err := ValidateDownendConfig(cfg); err != nil {
		return DownendConfig{}, err
	}
	return cfg, nil
}

func ValidateUpendConfig(cfg UpendConfig) error {
	if strings.TrimSpace(cfg.Service.ListenAddr) == "" {
		return fmt.Errorf("upend config missing listen_addr")
	}
	if strings.TrimSpace(cfg.Accounts.Database) == "" {
		return fmt.Errorf("upend config missing accounts.database")
	}
	if cfg.Accounts.Duty.MaxFailures < 1 {
		return fmt.Errorf("upend config accounts.max_failures must be positive")
	}
	if err := cfg.Service.Session.Boundary.Validate(); err != nil {
		return fmt.Errorf("upend config: %w", err)
	}
	if err := cfg.Service.Session.ValidateUpendTransport(); err != nil {
		return fmt.Errorf("upend config: %w", err)
	}
	return nil
}

func ValidateDownendConfig(cfg DownendConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("downend config missing addr")
	}
	if err := cfg.Session.Boundary.Validate(); err != nil {
		return fmt.Errorf("downend config: %w", err)
	}
	if err := cfg.Session.ValidateDownendTransport(); err != nil {
		return fmt.Errorf("downend config: %w", err)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := session.ParseBoundaryDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", key, err)
	}
	return d, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
