package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/edgelink/internal/downend"
	"github.com/danmuck/edgelink/internal/signon"
	"golang.org/x/term"
)

var errEmptyCommand = errors.New("empty command")

type caller interface {
	Call(tag string, payload []byte, done func(payload []byte, err error))
}

type prompt struct {
	label  string
	secret bool
	reply  chan promptReply
}

type promptReply struct {
	text string
	ok   bool
}

// console owns the terminal: it answers credential prompts for the
// supervisor and reads command lines once signed in.
type console struct {
	in    *bufio.Reader
	out   io.Writer
	fd    int
	login string

	prompts chan prompt
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
	outMu   sync.Mutex
}

var _ downend.CredentialSource = (*console)(nil)

func newConsole(in io.Reader, out io.Writer, login string, fd int) *console {
	return &console{
		in:      bufio.NewReader(in),
		out:     out,
		fd:      fd,
		login:   strings.TrimSpace(login),
		prompts: make(chan prompt),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) ReadCredential(done func(*downend.Credential)) {
	go func() {
		login := c.login
		if login == "" {
			text, ok := c.ask("login", false)
			if !ok {
				done(nil)
				return
			}
			login = text
		}
		password, ok := c.ask("password", true)
		if !ok {
			done(nil)
			return
		}
		done(&downend.Credential{Login: login, Password: password})
	}()
}

func (c *console) ReadSecondaryCode(done func(*string)) {
	go func() {
		code, ok := c.ask("code", false)
		if !ok {
			done(nil)
			return
		}
		done(&code)
	}()
}

func (c *console) SetProgressMessage(text string) {
	if text != "" {
		c.printf("... %s\n", text)
	}
}

func (c *console) SetProblemMessage(f *signon.Failure) {
	c.printf("! %s\n", describe(f))
}

func (c *console) Done() {}

// observe is the supervisor listener.
func (c *console) observe(ev downend.Event) {
	if ev.Kind != downend.EventState {
		return
	}
	switch ev.State {
	case downend.StateSignedIn:
		c.printf("signed in session=%s\n", ev.SessionID)
		c.signalReady()
	case downend.StateConnecting:
		if ev.Problem != nil {
			c.printf("reconnecting: %v\n", ev.Problem)
		}
	case downend.StateStopped:
		c.once.Do(func() { close(c.done) })
	}
}

func (c *console) signalReady() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *console) stopped() <-chan struct{} { return c.done }

func (c *console) ask(label string, secret bool) (string, bool) {
	p := prompt{label: label, secret: secret, reply: make(chan promptReply, 1)}
	select {
	case c.prompts <- p:
	case <-c.done:
		return "", false
	}
	select {
	case r := <-p.reply:
		return r.text, r.ok
	case <-c.done:
		return "", false
	}
}

// run serves prompts and command lines until ctx ends, input ends or the
// supervisor stops.
func (c *console) run(ctx context.Context, sup caller) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case p := <-c.prompts:
			text, ok := c.answer(p)
			p.reply <- promptReply{text: text, ok: ok}
			if !ok {
				return
			}
		case <-c.ready:
			c.printf("> ")
			line, ok := c.readLine()
			if !ok {
				return
			}
			select {
			case p := <-c.prompts:
				p.reply <- promptReply{text: line, ok: true}
				continue
			default:
			}
			if line == "quit" || line == "exit" {
				return
			}
			c.command(sup, line)
		}
	}
}

func (c *console) answer(p prompt) (string, bool) {
	c.printf("%s: ", p.label)
	if p.secret && term.IsTerminal(c.fd) {
		raw, err := term.ReadPassword(c.fd)
		c.printf("\n")
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(string(raw)), true
	}
	return c.readLine()
}

func (c *console) readLine() (string, bool) {
	line, err := c.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", false
	}
	return strings.TrimSpace(line), true
}

func (c *console) command(sup caller, line string) {
	tag, payload, err := parseCommand(line)
	if err != nil {
		if !errors.Is(err, errEmptyCommand) {
			c.printf("! %v\n", err)
		}
		c.signalReady()
		return
	}
	sup.Call(tag, payload, func(answer []byte, err error) {
		if err != nil {
			c.printf("! %s: %v\n", tag, err)
		} else {
			c.printf("%s <- %s\n", tag, strings.TrimSpace(string(answer)))
		}
		c.signalReady()
	})
}

// parseCommand splits "tag payload". A payload that is not JSON is sent as
// a JSON string.
func parseCommand(line string) (string, []byte, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, errEmptyCommand
	}
	tag, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return tag, nil, nil
	}
	if json.Valid([]byte(rest)) {
		return tag, []byte(rest), nil
	}
	quoted, err := json.Marshal(rest)
	if err != nil {
		return "", nil, fmt.Errorf("encode payload: %w", err)
	}
	return tag, quoted, nil
}

func describe(f *signon.Failure) string {
	if f == nil {
		return "signon failed"
	}
	switch f.Kind {
	case signon.MissingCredential, signon.InvalidCredential:
		return "login or password rejected, try again"
	case signon.MissingSecondaryCode, signon.InvalidSecondaryCode:
		return "code rejected, try again"
	case signon.UnknownSession:
		return "previous session is gone, sign in again"
	case signon.TooManyAttempts:
		return "too many failed attempts, login locked"
	default:
		return f.Error()
	}
}
