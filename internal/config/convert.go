package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgelink/internal/protocol/session"
)

// boundaryFile is the [boundary] table. Durations accept "never".
type boundaryFile struct {
	PingInterval             string `toml:"ping_interval"`
	PongTimeoutOnDownend     string `toml:"pong_timeout_on_downend"`
	PingTimeoutOnUpend       string `toml:"ping_timeout_on_upend"`
	ReconnectDelayMin        string `toml:"reconnect_delay_min"`
	ReconnectDelayMax        string `toml:"reconnect_delay_max"`
	MaximumSessionInactivity string `toml:"maximum_session_inactivity"`
}

// tlsFile is the [tls] table.
type tlsFile struct {
	SecurityMode       string `toml:"security_mode"`
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
}

func applyBoundary(meta toml.MetaData, raw boundaryFile, b *session.TimeBoundary) error {
	fields := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"ping_interval", raw.PingInterval, &b.PingInterval},
		{"pong_timeout_on_downend", raw.PongTimeoutOnDownend, &b.PongTimeoutOnDownend},
		{"ping_timeout_on_upend", raw.PingTimeoutOnUpend, &b.PingTimeoutOnUpend},
		{"reconnect_delay_min", raw.ReconnectDelayMin, &b.ReconnectDelayMin},
		{"reconnect_delay_max", raw.ReconnectDelayMax, &b.ReconnectDelayMax},
		{"maximum_session_inactivity", raw.MaximumSessionInactivity, &b.MaximumSessionInactivity},
	}
	for _, f := range fields {
		if !meta.IsDefined("boundary", f.key) {
			continue
		}
		d, err := parseDuration("boundary."+f.key, f.val)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

func applyTLS(meta toml.MetaData, raw tlsFile, cfg *session.Config) {
	if meta.IsDefined("tls", "security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls", "enabled") {
		cfg.TLS.Enabled = raw.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		cfg.TLS.Mutual = raw.Mutual
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.InsecureSkipVerify
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.ServerName)
	}
}
