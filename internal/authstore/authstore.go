// Package authstore manages per-instance credential files in htpasswd
// format with bcrypt hashes, the format forward-proxy basic-auth helpers
// verify against. Every operation works on exactly one instance's file; the
// caller derives the path from the instance directory, and nothing in this
// package ever resolves a path itself, so cross-instance access is
// structurally impossible.
package authstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/proxfleet/proxfleet/internal/instance"
)

// FileName is the credential file name inside an instance directory.
const FileName = "users.passwd"

// fileMode keeps credentials readable by the daemon's runtime user only.
const fileMode = 0600

// Add hashes password with bcrypt and appends username to the credential
// file at path, creating the file if needed. Fails with
// instance.ErrDuplicateUser if the username is already present.
func Add(path, username, password string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	if password == "" {
		return &instance.ValidationError{Field: "password", Reason: "must not be empty"}
	}

	entries, err := readEntries(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.name == username {
			return fmt.Errorf("user %q: %w", username, instance.ErrDuplicateUser)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	entries = append(entries, entry{name: username, hash: string(hash)})
	return writeEntries(path, entries)
}

// Remove deletes username from the credential file at path. Fails with
// instance.ErrUserNotFound if absent.
func Remove(path, username string) error {
	entries, err := readEntries(path)
	if err != nil {
		return err
	}

	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.name == username {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return fmt.Errorf("user %q: %w", username, instance.ErrUserNotFound)
	}
	return writeEntries(path, kept)
}

// List returns the usernames in the credential file, in file order. Hashes
// are never returned. A missing file is an empty list, not an error.
func List(path string) ([]string, error) {
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names, nil
}

// Verify checks a password against the stored hash for username. Used by
// tests and diagnostic tooling; the daemon does its own verification.
func Verify(path, username, password string) (bool, error) {
	entries, err := readEntries(path)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.name == username {
			return bcrypt.CompareHashAndPassword([]byte(e.hash), []byte(password)) == nil, nil
		}
	}
	return false, fmt.Errorf("user %q: %w", username, instance.ErrUserNotFound)
}

type entry struct {
	name string
	hash string
}

func validateUsername(username string) error {
	if username == "" {
		return &instance.ValidationError{Field: "username", Reason: "must not be empty"}
	}
	if strings.ContainsAny(username, ": \t\n") {
		return &instance.ValidationError{Field: "username", Reason: "must not contain ':' or whitespace"}
	}
	return nil
}

func readEntries(path string) ([]entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	var entries []entry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok {
			continue // tolerate junk lines rather than locking out the file
		}
		entries = append(entries, entry{name: name, hash: hash})
	}
	return entries, nil
}

func writeEntries(path string, entries []entry) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.name)
		b.WriteByte(':')
		b.WriteString(e.hash)
		b.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential file: %w", err)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}
