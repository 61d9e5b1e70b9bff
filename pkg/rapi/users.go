package rapi

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Role is what a RAPI user may do: read-only queries, or writes
// (job-submitting verbs) as well.
type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
)

// User is one line of the users file.
type User struct {
	Name string
	Hash string // bcrypt hash of the password
	Role Role
}

// Users is the parsed users file.
type Users struct {
	byName map[string]User
}

// LoadUsers parses a users file: one "name:bcrypt-hash:role" line per
// user, '#' starts a comment, blank lines are skipped.
func LoadUsers(path string) (*Users, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	users := &Users{byName: make(map[string]User)}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("users file %s line %d: want name:hash:role", path, lineNo)
		}
		role := Role(parts[2])
		if role != RoleRead && role != RoleWrite {
			return nil, fmt.Errorf("users file %s line %d: unknown role %q", path, lineNo, parts[2])
		}
		users.byName[parts[0]] = User{Name: parts[0], Hash: parts[1], Role: role}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// NewUsers builds an in-memory user set (tests, bootstrap).
func NewUsers() *Users { return &Users{byName: make(map[string]User)} }

// Add hashes password and stores the user.
func (u *Users) Add(name, password string, role Role) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.byName[name] = User{Name: name, Hash: string(hash), Role: role}
	return nil
}

// Authenticate verifies name/password and returns the user's role.
func (u *Users) Authenticate(name, password string) (Role, bool) {
	user, ok := u.byName[name]
	if !ok {
		return "", false
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Hash), []byte(password)) != nil {
		return "", false
	}
	return user.Role, true
}

// Save writes the users back out in the file format LoadUsers reads.
func (u *Users) Save(path string) error {
	var sb strings.Builder
	for _, user := range u.byName {
		fmt.Fprintf(&sb, "%s:%s:%s\n", user.Name, user.Hash, user.Role)
	}
	return os.WriteFile(path, []byte(sb.String()), 0o600)
}
