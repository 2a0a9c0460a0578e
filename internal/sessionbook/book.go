// Package sessionbook is the upend's registry of live sessions. It is a
// state machine keyed by session id and is not synchronized: one logic
// goroutine owns a Book and calls every method.
package sessionbook

import (
	"sort"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/signon"
	"github.com/rs/zerolog/log"
)

// Reason explains why an entry changed.
type Reason string

const (
	ReasonCreated   Reason = "created"
	ReasonActivated Reason = "activated"
	ReasonReused    Reason = "reused"
	ReasonOrphaned  Reason = "orphaned"
	ReasonReverted  Reason = "reverted"
	ReasonRemoved   Reason = "removed"
	ReasonExpired   Reason = "expired"
	ReasonAbandoned Reason = "abandoned"
	ReasonViolation Reason = "violation"
)

// Change describes one entry transition. From or To is nil when the entry
// did not exist before or no longer exists after.
type Change struct {
	ID     ID
	From   Detail
	To     Detail
	Reason Reason
}

// Book holds at most one entry per login and at most one entry per channel.
type Book struct {
	boundary  session.TimeBoundary
	entries   map[ID]Detail
	byLogin   map[string]ID
	byChannel map[Channel]ID
	listener  func(Change)
}

func New(boundary session.TimeBoundary) *Book {
	return &Book{
		boundary:  boundary,
		entries:   make(map[ID]Detail),
		byLogin:   make(map[string]ID),
		byChannel: make(map[Channel]ID),
	}
}

// OnChange registers fn to observe every transition. fn runs synchronously
// inside the book operation and must not call back into the book.
func (b *Book) OnChange(fn func(Change)) {
	b.listener = fn
}

func (b *Book) Boundary() session.TimeBoundary { return b.boundary }

// Create inserts a Pending entry. An Orphaned entry already held by the
// same login is abandoned first.
func (b *Book) Create(id ID, ch Channel, user signon.User, now time.Time) error {
	requireID(id)
	requireChannel(ch)
	requireUser(user)

	var abandon ID
	if held, ok := b.byLogin[user.Login]; ok {
		if _, exists := b.entries[held]; !exists {
			return b.violation(held, "login index without entry")
		}
		if d, live := b.lookup(held, now); live {
			if _, orphaned := d.(Orphaned); !orphaned {
				return signon.NewFailure(signon.SessionAlreadyExists, "user already signed in")
			}
			abandon = held
		}
	}
	if _, ok := b.lookup(id, now); ok {
		return signon.NewFailure(signon.SessionAlreadyExists, "session id in use")
	}
	if other, ok := b.byChannel[ch]; ok {
		log.Warn().Msgf("sessionbook.Create channel already bound session_id=%s bound_to=%s", id, other)
		return signon.NewFailure(signon.Unexpected, "channel already bound")
	}

	if abandon != "" {
		log.Info().Msgf("sessionbook.Create abandon orphaned session_id=%s login=%s", abandon, user.Login)
		b.remove(abandon, ReasonAbandoned)
	}
	b.put(Pending{ID: id, Channel: ch, User: user, CreatedAt: now}, nil, ReasonCreated)
	return nil
}

// Activate confirms a Pending entry (join=false) or completes a Reusing one
// (join=true) and returns the bound user.
func (b *Book) Activate(id ID, ch Channel, now time.Time, join bool) (signon.User, error) {
	requireID(id)
	requireChannel(ch)

	d, ok := b.lookup(id, now)
	if !ok {
		return signon.User{}, signon.NewFailure(signon.UnknownSession, "")
	}
	var (
		bound   Channel
		address string
	)
	switch e := d.(type) {
	case Pending:
		if join {
			return b.reject(id, signon.Unexpected, "activate join on pending session")
		}
		bound, address = e.Channel, e.Channel.RemoteAddress()
	case Reusing:
		if !join {
			return b.reject(id, signon.Unexpected, "activate on reusing session without join")
		}
		bound, address = e.Channel, e.RemoteAddress
	case Active, Orphaned:
		return b.reject(id, signon.Unexpected, "activate on "+e.State().String()+" session")
	default:
		return signon.User{}, b.violation(id, "unknown detail")
	}

	if got := ch.RemoteAddress(); !sameAddress(address, got) {
		log.Warn().Msgf("sessionbook.Activate unmatched address session_id=%s want=%s got=%s", id, address, got)
		return b.reject(id, signon.UnmatchedNetworkAddress, "")
	}
	if ch != bound {
		if other, taken := b.byChannel[ch]; taken && other != id {
			log.Error().Msgf("sessionbook.Activate channel bound twice session_id=%s other=%s", id, other)
			b.remove(other, ReasonViolation)
			return b.reject(id, signon.Unexpected, "channel bound to another session")
		}
	}
	user := d.SignedUser()
	b.put(Active{ID: id, Channel: ch, User: user}, d, ReasonActivated)
	return user, nil
}

// Reuse binds ch to an Orphaned entry, moving it to Reusing. The caller
// finishes with Activate(join=true).
func (b *Book) Reuse(id ID, ch Channel, now time.Time) (signon.User, error) {
	requireID(id)
	requireChannel(ch)

	d, ok := b.lookup(id, now)
	if !ok {
		return signon.User{}, signon.NewFailure(signon.UnknownSession, "")
	}
	e, orphaned := d.(Orphaned)
	if !orphaned {
		return b.reject(id, signon.Unexpected, "reuse on "+d.State().String()+" session")
	}
	if got := ch.RemoteAddress(); !sameAddress(e.RemoteAddress, got) {
		log.Warn().Msgf("sessionbook.Reuse unmatched address session_id=%s want=%s got=%s", id, e.RemoteAddress, got)
		return b.reject(id, signon.UnmatchedNetworkAddress, "")
	}
	if other, taken := b.byChannel[ch]; taken {
		log.Warn().Msgf("sessionbook.Reuse channel already bound session_id=%s bound_to=%s", id, other)
		return signon.User{}, signon.NewFailure(signon.Unexpected, "channel already bound")
	}
	b.put(Reusing{
		ID:            id,
		Channel:       ch,
		User:          e.User,
		RemoteAddress: e.RemoteAddress,
		InactiveSince: e.InactiveSince,
	}, d, ReasonReused)
	return e.User, nil
}

// RemoveChannel drops the binding of ch. A zero orphanAt deletes the entry.
// Otherwise an Active entry becomes Orphaned at orphanAt, a Reusing entry
// falls back to its Orphaned form and a Pending entry is deleted. It
// reports whether ch was bound.
func (b *Book) RemoveChannel(ch Channel, orphanAt time.Time) bool {
	requireChannel(ch)
	id, ok := b.byChannel[ch]
	if !ok {
		return false
	}
	d, ok := b.entries[id]
	if !ok {
		log.Error().Msgf("sessionbook.RemoveChannel channel index without entry session_id=%s", id)
		delete(b.byChannel, ch)
		return true
	}
	if orphanAt.IsZero() {
		b.remove(id, ReasonRemoved)
		return true
	}
	switch e := d.(type) {
	case Active:
		b.put(Orphaned{
			ID:            id,
			User:          e.User,
			RemoteAddress: ch.RemoteAddress(),
			InactiveSince: orphanAt,
		}, d, ReasonOrphaned)
	case Reusing:
		b.put(Orphaned{
			ID:            id,
			User:          e.User,
			RemoteAddress: e.RemoteAddress,
			InactiveSince: e.InactiveSince,
		}, d, ReasonReverted)
	case Pending:
		b.remove(id, ReasonRemoved)
	default:
		b.violation(id, "channel bound to "+StateOf(d).String()+" entry")
	}
	return true
}

// RemoveSession deletes id unconditionally and returns what was removed.
func (b *Book) RemoveSession(id ID) (Detail, bool) {
	requireID(id)
	d, ok := b.entries[id]
	if !ok {
		return nil, false
	}
	b.remove(id, ReasonRemoved)
	return d, true
}

// RemoveAll deletes every entry and returns them in id order.
func (b *Book) RemoveAll() []Detail {
	out := b.Snapshot()
	for _, d := range out {
		b.remove(d.SessionID(), ReasonRemoved)
	}
	return out
}

// Purge deletes every Orphaned or Reusing entry past the inactivity
// boundary at now.
func (b *Book) Purge(now time.Time) []Detail {
	var out []Detail
	for _, id := range b.sortedIDs() {
		d := b.entries[id]
		if b.expired(d, now) {
			b.remove(id, ReasonExpired)
			out = append(out, d)
		}
	}
	return out
}

// Get returns the entry for id without applying expiry.
func (b *Book) Get(id ID) (Detail, bool) {
	d, ok := b.entries[id]
	return d, ok
}

// Bound returns the entry ch is bound to.
func (b *Book) Bound(ch Channel) (Detail, bool) {
	id, ok := b.byChannel[ch]
	if !ok {
		return nil, false
	}
	d, ok := b.entries[id]
	return d, ok
}

func (b *Book) Len() int { return len(b.entries) }

// Snapshot returns every entry in id order.
func (b *Book) Snapshot() []Detail {
	out := make([]Detail, 0, len(b.entries))
	for _, id := range b.sortedIDs() {
		out = append(out, b.entries[id])
	}
	return out
}

// Counts tallies entries per state.
func (b *Book) Counts() map[State]int {
	out := make(map[State]int, 4)
	for _, s := range States() {
		out[s] = 0
	}
	for _, d := range b.entries {
		out[d.State()]++
	}
	return out
}

// lookup returns the live entry for id, expiring it first when stale. The
// second result is false when no live entry remains.
func (b *Book) lookup(id ID, now time.Time) (Detail, bool) {
	d, ok := b.entries[id]
	if !ok {
		return nil, false
	}
	if b.expired(d, now) {
		log.Debug().Msgf("sessionbook.lookup expired session_id=%s", id)
		b.remove(id, ReasonExpired)
		return nil, false
	}
	return d, true
}

func (b *Book) expired(d Detail, now time.Time) bool {
	switch e := d.(type) {
	case Orphaned:
		return b.boundary.SessionExpired(e.InactiveSince, now)
	case Reusing:
		return b.boundary.SessionExpired(e.InactiveSince, now)
	}
	return false
}

func (b *Book) reject(id ID, kind signon.Kind, detail string) (signon.User, error) {
	b.remove(id, ReasonViolation)
	return signon.User{}, signon.NewFailure(kind, detail)
}

// violation handles a broken index: it logs, drops the offending entry and
// reports UNEXPECTED.
func (b *Book) violation(id ID, what string) error {
	log.Error().Msgf("sessionbook invariant violation session_id=%s what=%s", id, what)
	b.remove(id, ReasonViolation)
	for login, held := range b.byLogin {
		if held == id {
			delete(b.byLogin, login)
		}
	}
	for ch, held := range b.byChannel {
		if held == id {
			delete(b.byChannel, ch)
		}
	}
	return signon.NewFailure(signon.Unexpected, what)
}

// put stores d, replacing prev, and keeps both indexes in step.
func (b *Book) put(d Detail, prev Detail, reason Reason) {
	id := d.SessionID()
	if prev != nil {
		if ch := prev.BoundChannel(); ch != nil && b.byChannel[ch] == id {
			delete(b.byChannel, ch)
		}
	}
	b.entries[id] = d
	b.byLogin[d.SignedUser().Login] = id
	if ch := d.BoundChannel(); ch != nil {
		b.byChannel[ch] = id
	}
	b.notify(Change{ID: id, From: prev, To: d, Reason: reason})
}

func (b *Book) remove(id ID, reason Reason) {
	d, ok := b.entries[id]
	if !ok {
		return
	}
	delete(b.entries, id)
	if login := d.SignedUser().Login; b.byLogin[login] == id {
		delete(b.byLogin, login)
	}
	if ch := d.BoundChannel(); ch != nil && b.byChannel[ch] == id {
		delete(b.byChannel, ch)
	}
	b.notify(Change{ID: id, From: d, Reason: reason})
}

func (b *Book) notify(c Change) {
	if b.listener != nil {
		b.listener(c)
	}
}

func (b *Book) sortedIDs() []ID {
	ids := make([]ID, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func requireID(id ID) {
	if strings.TrimSpace(string(id)) == "" {
		panic("sessionbook: empty session id")
	}
}

func requireChannel(ch Channel) {
	if ch == nil {
		panic("sessionbook: nil channel")
	}
}

func requireUser(u signon.User) {
	if strings.TrimSpace(u.Login) == "" {
		panic("sessionbook: user without login")
	}
}
