package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/signon"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists   = errors.New("accounts: user already exists")
	ErrUserNotFound = errors.New("accounts: user not found")
	ErrInvalidUser  = errors.New("accounts: invalid user")
)

// Record is one stored user without its password hash.
type Record struct {
	Login       string
	PhoneNumber string
	CreatedAt   time.Time
}

func (r Record) User() signon.User {
	return signon.User{Login: r.Login, PhoneNumber: r.PhoneNumber}
}

// Directory stores users and verifies their passwords.
type Directory struct {
	db   *sql.DB
	cost int
	now  func() time.Time
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db, cost: bcrypt.DefaultCost, now: time.Now}
}

// WithCost returns a copy hashing with cost. Tests use bcrypt.MinCost.
func (d *Directory) WithCost(cost int) *Directory {
	out := *d
	out.cost = cost
	return &out
}

func (d *Directory) AddUser(ctx context.Context, login, password, phone string) error {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return fmt.Errorf("%w: login and password required", ErrInvalidUser)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	const q = `INSERT INTO users (login, password_hash, phone_number, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(login) DO NOTHING`
	res, err := d.db.ExecContext(ctx, q, login, string(hash), strings.TrimSpace(phone), d.now().Unix())
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrUserExists, login)
	}
	return nil
}

func (d *Directory) SetPassword(ctx context.Context, login, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password required", ErrInvalidUser)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return d.update(ctx, `UPDATE users SET password_hash = ? WHERE login = ?`, string(hash), login)
}

func (d *Directory) SetPhone(ctx context.Context, login, phone string) error {
	return d.update(ctx, `UPDATE users SET phone_number = ? WHERE login = ?`, strings.TrimSpace(phone), login)
}

func (d *Directory) RemoveUser(ctx context.Context, login string) error {
	return d.update(ctx, `DELETE FROM users WHERE login = ?`, login)
}

func (d *Directory) Lookup(ctx context.Context, login string) (Record, error) {
	rec, _, err := d.lookup(ctx, login)
	return rec, err
}

// VerifyPassword checks password for login. Unknown logins and wrong
// passwords both yield an INVALID_CREDENTIAL failure.
func (d *Directory) VerifyPassword(ctx context.Context, login, password string) (Record, error) {
	rec, hash, err := d.lookup(ctx, login)
	if errors.Is(err, ErrUserNotFound) {
		return Record{}, signon.NewFailure(signon.InvalidCredential, "")
	}
	if err != nil {
		return Record{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return Record{}, signon.NewFailure(signon.InvalidCredential, "")
	}
	return rec, nil
}

// List returns every user ordered by login.
func (d *Directory) List(ctx context.Context) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT login, phone_number, created_at FROM users ORDER BY login`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			created int64
		)
		if err := rows.Scan(&rec.Login, &rec.PhoneNumber, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		rec.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *Directory) lookup(ctx context.Context, login string) (Record, string, error) {
	const q = `SELECT login, phone_number, created_at, password_hash FROM users WHERE login = ?`
	var (
		rec     Record
		created int64
		hash    string
	)
	err := d.db.QueryRowContext(ctx, q, strings.TrimSpace(login)).Scan(&rec.Login, &rec.PhoneNumber, &created, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, "", fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	if err != nil {
		return Record{}, "", fmt.Errorf("lookup user: %w", err)
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	return rec, hash, nil
}

func (d *Directory) update(ctx context.Context, q string, args ...any) error {
	res, err := d.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
