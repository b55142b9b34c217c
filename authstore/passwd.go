// Package authstore provides credential validators for the SMTP AUTH
// command: a bcrypt password file and a failed-login throttle.
package authstore

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownUser = errors.New("authstore: unknown user")
	ErrBadPassword = errors.New("authstore: bad password")
)

// Validator is the shape of kestrel.UsernamePasswordValidator.
type Validator interface {
	Login(ctx context.Context, username, password string) error
}

// Passwd checks logins against "user:bcrypt-hash" entries. Usernames are
// case-insensitive.
type Passwd struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// NewPasswd returns an empty password table.
func NewPasswd() *Passwd {
	return &Passwd{users: make(map[string][]byte)}
}

// LoadPasswd reads a password file. Blank lines and lines starting with
// '#' are ignored.
func LoadPasswd(path string) (*Passwd, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithMessage(err, "open passwd file")
	}
	defer f.Close()

	p, err := ParsePasswd(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse %s", path)
	}
	return p, nil
}

// ParsePasswd reads password entries from r.
func ParsePasswd(r io.Reader) (*Passwd, error) {
	p := NewPasswd()
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok || user == "" || hash == "" {
			return nil, errors.Errorf("line %d: want user:hash", n)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, errors.WithMessagef(err, "line %d", n)
		}
		p.users[strings.ToLower(user)] = []byte(hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithMessage(err, "read")
	}
	return p, nil
}

// HashPassword returns a bcrypt hash suitable for a password file entry.
func HashPassword(password string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", errors.WithMessage(err, "bcrypt.GenerateFromPassword")
	}
	return string(hashed), nil
}

// Set adds or replaces a user with an already hashed password.
func (p *Passwd) Set(user, hash string) {
	p.mu.Lock()
	p.users[strings.ToLower(user)] = []byte(hash)
	p.mu.Unlock()
}

// Len returns the number of users.
func (p *Passwd) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// Login implements the AUTH validator contract.
func (p *Passwd) Login(_ context.Context, username, password string) error {
	p.mu.RLock()
	hash, ok := p.users[strings.ToLower(username)]
	p.mu.RUnlock()
	if !ok {
		return ErrUnknownUser
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrBadPassword
	}
	return nil
}
