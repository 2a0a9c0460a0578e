package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "upend":
		return upendTemplate, nil
	case "downend":
		return downendTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "upend":
		_, err := LoadUpendConfig(path)
		return err
	case "downend":
		_, err := LoadDownendConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const upendTemplate = `node = "upend.local"
listen_addr = ":9400"
# WebSocket downends connect to ws://host:9402/link. Empty disables it.
link_listen_addr = ":9402"
# The admin surface (sessions, metrics) stays on loopback.
admin_listen_addr = "127.0.0.1:9401"
admin_token = ""
cors_origins = ["http://localhost:3000"]
signon_timeout = "2m"
sweep_interval = "10s"

[boundary]
ping_interval = "5s"
pong_timeout_on_downend = "15s"
ping_timeout_on_upend = "15s"
reconnect_delay_min = "250ms"
reconnect_delay_max = "5s"
maximum_session_inactivity = "2m"

[tls]
security_mode = "development"
enabled = false

[accounts]
database = "edgelink.db"
max_failures = 5
query_timeout = "2s"
secondary_code = ""
`

const downendTemplate = `node = "downend.local"
# host:port for framed TCP, or ws://host:9402/link for WebSocket.
addr = "127.0.0.1:9400"
login = ""

[boundary]
ping_interval = "5s"
pong_timeout_on_downend = "15s"
reconnect_delay_min = "250ms"
reconnect_delay_max = "5s"

[tls]
security_mode = "development"
enabled = false
`
