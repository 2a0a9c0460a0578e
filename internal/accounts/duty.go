package accounts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/designator"
	"github.com/danmuck/edgelink/internal/signon"
	"github.com/danmuck/edgelink/internal/upend"
	"github.com/rs/zerolog/log"
)

// DutyConfig tunes the signon policy.
type DutyConfig struct {
	// MaxFailures is the consecutive failure count at which a login is
	// locked out until its failures are reset.
	MaxFailures int
	// QueryTimeout bounds each database call.
	QueryTimeout time.Duration
}

func DefaultDutyConfig() DutyConfig {
	return DutyConfig{MaxFailures: 5, QueryTimeout: 2 * time.Second}
}

// Duty implements upend.InwardDuty on top of a Directory and a
// FailureLedger. Users with a phone number must pass a secondary step when
// a verifier is configured.
type Duty struct {
	cfg      DutyConfig
	dir      *Directory
	ledger   *FailureLedger
	verifier SecondaryVerifier
	out      upend.OutwardDuty

	mu       sync.Mutex
	sessions map[string]string
}

var _ upend.InwardDuty = (*Duty)(nil)

func NewDuty(dir *Directory, ledger *FailureLedger, verifier SecondaryVerifier, cfg DutyConfig) *Duty {
	def := DefaultDutyConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	return &Duty{
		cfg:      cfg,
		dir:      dir,
		ledger:   ledger,
		verifier: verifier,
		sessions: make(map[string]string),
	}
}

// Bind sets the supervisor that receives answers. Call it before the
// supervisor starts.
func (d *Duty) Bind(out upend.OutwardDuty) {
	d.out = out
}

func (d *Duty) PrimarySignonAttempt(token designator.Designator, login, password string) {
	ctx, cancel := d.context()
	defer cancel()
	if err := d.checkLockout(ctx, login); err != nil {
		d.out.PrimarySignonAttempted(token, signon.Decision{}, err)
		return
	}
	rec, err := d.dir.VerifyPassword(ctx, login, password)
	if err != nil {
		d.out.PrimarySignonAttempted(token, signon.Decision{}, err)
		return
	}
	user := rec.User()
	d.out.PrimarySignonAttempted(token, signon.Decision{
		User:              user,
		SecondaryRequired: d.verifier != nil && user.HasPhone(),
	}, nil)
}

func (d *Duty) SecondarySignonAttempt(token designator.Designator, login, code string) {
	ctx, cancel := d.context()
	defer cancel()
	if err := d.checkLockout(ctx, login); err != nil {
		d.out.SecondarySignonAttempted(token, err)
		return
	}
	if d.verifier == nil {
		d.out.SecondarySignonAttempted(token, signon.NewFailure(signon.Unexpected, "no secondary verifier"))
		return
	}
	rec, err := d.dir.Lookup(ctx, login)
	if err != nil {
		d.out.SecondarySignonAttempted(token, signon.NewFailure(signon.Unexpected, ""))
		return
	}
	out := d.out
	d.verifier.Verify(rec.User(), code, func(err error) {
		out.SecondarySignonAttempted(token, err)
	})
}

func (d *Duty) FailedSignonAttempt(token designator.Designator, login string, kind signon.AttemptKind) {
	ctx, cancel := d.context()
	defer cancel()
	n, err := d.ledger.Increment(ctx, login)
	if err != nil {
		log.Error().Msgf("accounts.Duty failure not recorded login=%s err=%v", login, err)
		return
	}
	if n >= d.cfg.MaxFailures {
		log.Warn().Msgf("accounts.Duty login locked login=%s failures=%d step=%s", login, n, kind)
		return
	}
	log.Debug().Msgf("accounts.Duty failed attempt login=%s failures=%d step=%s", login, n, kind)
}

func (d *Duty) RegisterSession(token designator.Designator, sessionID, login string) {
	ctx, cancel := d.context()
	defer cancel()
	if _, err := d.dir.Lookup(ctx, login); err != nil {
		d.out.SessionCreationFailed(token, sessionID, signon.NewFailure(signon.Unexpected, "unknown user"))
		return
	}
	d.mu.Lock()
	d.sessions[sessionID] = login
	d.mu.Unlock()
	d.out.SessionCreated(token, sessionID, login)
}

func (d *Duty) Signout(token designator.Designator) {
	id := token.SessionID()
	if id == "" {
		return
	}
	d.mu.Lock()
	login, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if ok {
		log.Info().Msgf("accounts.Duty signout session_id=%s login=%s", id, login)
	}
}

func (d *Duty) SignoutAll(designator.Designator) {
	d.mu.Lock()
	n := len(d.sessions)
	d.sessions = make(map[string]string)
	d.mu.Unlock()
	log.Info().Msgf("accounts.Duty signout all sessions=%d", n)
}

func (d *Duty) ResetSignonFailures(token designator.Designator, login string) {
	ctx, cancel := d.context()
	defer cancel()
	if err := d.ledger.Reset(ctx, login); err != nil {
		log.Error().Msgf("accounts.Duty reset failures login=%s err=%v", login, err)
	}
}

// Sessions lists the session ids currently registered, sorted.
func (d *Duty) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *Duty) checkLockout(ctx context.Context, login string) error {
	n, err := d.ledger.Count(ctx, strings.TrimSpace(login))
	if err != nil {
		log.Error().Msgf("accounts.Duty failure count login=%s err=%v", login, err)
		return signon.NewFailure(signon.Unexpected, "")
	}
	if n >= d.cfg.MaxFailures {
		return signon.NewFailure(signon.TooManyAttempts, "")
	}
	return nil
}

func (d *Duty) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.cfg.QueryTimeout)
}
