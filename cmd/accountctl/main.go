package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/edgelink/internal/accounts"
	"github.com/danmuck/edgelink/internal/config"
	"golang.org/x/term"
)

const usage = `usage: accountctl [-db path | -config path] <command> [args]

commands:
  add <login> [phone]     create a user, prompting for the password
  passwd <login>          replace a password
  phone <login> [phone]   set or clear the phone number
  remove <login>          delete a user
  unlock <login>          clear consecutive signon failures
  list                    print every user`

func main() {
	fs := flag.NewFlagSet("accountctl", flag.ExitOnError)
	dbPath := fs.String("db", "", "accounts database path (overrides config)")
	cfgPath := fs.String("config", "cmd/upendctl/config.toml", "upend config naming the accounts database")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	_ = fs.Parse(os.Args[1:])

	path := *dbPath
	if path == "" {
		cfg, err := config.LoadUpendConfig(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "accountctl: %v\n", err)
			os.Exit(1)
		}
		path = cfg.Accounts.Database
	}
	t := &tool{out: os.Stdout, secret: terminalSecret(os.Stdin, os.Stderr)}
	if err := t.run(context.Background(), path, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "accountctl: %v\n", err)
		os.Exit(1)
	}
}

// terminalSecret reads without echo from a terminal and falls back to a
// plain line otherwise.
func terminalSecret(in *os.File, prompt io.Writer) func(label string) (string, error) {
	reader := bufio.NewReader(in)
	return func(label string) (string, error) {
		fmt.Fprintf(prompt, "%s: ", label)
		fd := int(in.Fd())
		if term.IsTerminal(fd) {
			raw, err := term.ReadPassword(fd)
			fmt.Fprintln(prompt)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(raw)), nil
		}
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}

type tool struct {
	out    io.Writer
	secret func(label string) (string, error)
	cost   int
}

func (t *tool) run(ctx context.Context, dbPath string, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	db, err := accounts.OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	dir := accounts.NewDirectory(db)
	if t.cost > 0 {
		dir = dir.WithCost(t.cost)
	}
	ledger := accounts.NewFailureLedger(db)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "add":
		if len(rest) < 1 || len(rest) > 2 {
			return errors.New("usage: add <login> [phone]")
		}
		password, err := t.newPassword()
		if err != nil {
			return err
		}
		phone := ""
		if len(rest) == 2 {
			phone = rest[1]
		}
		if err := dir.AddUser(ctx, rest[0], password, phone); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "added %s\n", rest[0])
	case "passwd":
		if len(rest) != 1 {
			return errors.New("usage: passwd <login>")
		}
		password, err := t.newPassword()
		if err != nil {
			return err
		}
		if err := dir.SetPassword(ctx, rest[0], password); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "password changed for %s\n", rest[0])
	case "phone":
		if len(rest) < 1 || len(rest) > 2 {
			return errors.New("usage: phone <login> [phone]")
		}
		phone := ""
		if len(rest) == 2 {
			phone = rest[1]
		}
		if err := dir.SetPhone(ctx, rest[0], phone); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "phone updated for %s\n", rest[0])
	case "remove":
		if len(rest) != 1 {
			return errors.New("usage: remove <login>")
		}
		if err := dir.RemoveUser(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "removed %s\n", rest[0])
	case "unlock":
		if len(rest) != 1 {
			return errors.New("usage: unlock <login>")
		}
		if err := ledger.Reset(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "unlocked %s\n", rest[0])
	case "list":
		return t.list(ctx, dir, ledger)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
	return nil
}

func (t *tool) newPassword() (string, error) {
	first, err := t.secret("password")
	if err != nil {
		return "", err
	}
	second, err := t.secret("repeat password")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

func (t *tool) list(ctx context.Context, dir *accounts.Directory, ledger *accounts.FailureLedger) error {
	records, err := dir.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOGIN\tPHONE\tFAILURES\tCREATED")
	for _, rec := range records {
		failures, err := ledger.Count(ctx, rec.Login)
		if err != nil {
			return err
		}
		phone := rec.PhoneNumber
		if phone == "" {
			phone = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rec.Login, phone, failures, rec.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}
