package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	m := strings.ToLower(strings.TrimSpace(string(mode)))
	if m == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(m)
}

// ValidateDownendTransport checks the dialing side's security policy.
func (c Config) ValidateDownendTransport() error {
	if err := c.validateMode(); err != nil {
		return err
	}
	if c.TLS.InsecureSkipVerify && NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction {
		return ErrTLSInsecureSkipNotAllow
	}
	if c.TLS.Enabled && blank(c.TLS.CAFile) && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		return c.requireKeyPair()
	}
	return nil
}

// ValidateUpendTransport checks the listening side's security policy.
func (c Config) ValidateUpendTransport() error {
	if err := c.validateMode(); err != nil {
		return err
	}
	if c.TLS.Enabled {
		if err := c.requireKeyPair(); err != nil {
			return err
		}
	}
	if c.TLS.Mutual && blank(c.TLS.CAFile) {
		return ErrTLSCAFileRequired
	}
	return nil
}

// validateMode applies the rules shared by both ends: a known mode,
// production implying mutual TLS, and mutual TLS implying TLS.
func (c Config) validateMode() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	return nil
}

func (c Config) requireKeyPair() error {
	if blank(c.TLS.CertFile) {
		return ErrTLSCertFileRequired
	}
	if blank(c.TLS.KeyFile) {
		return ErrTLSKeyFileRequired
	}
	return nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
