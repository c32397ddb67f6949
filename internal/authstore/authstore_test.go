package authstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/proxfleet/proxfleet/internal/instance"
)

func credFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), FileName)
}

func TestAddAndList(t *testing.T) {
	path := credFile(t)

	if err := Add(path, "alice", "s3cret"); err != nil {
		t.Fatalf("Add(alice) = %v", err)
	}
	if err := Add(path, "bob", "hunter2"); err != nil {
		t.Fatalf("Add(bob) = %v", err)
	}

	names, err := List(path)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
		t.Errorf("List() = %v, want [alice bob]", names)
	}
}

func TestAddDuplicate(t *testing.T) {
	path := credFile(t)

	if err := Add(path, "alice", "one"); err != nil {
		t.Fatalf("Add() = %v", err)
	}
	err := Add(path, "alice", "two")
	if !errors.Is(err, instance.ErrDuplicateUser) {
		t.Errorf("Add(duplicate) = %v, want ErrDuplicateUser", err)
	}
}

func TestAddRejectsBadUsernames(t *testing.T) {
	path := credFile(t)

	for _, name := range []string{"", "a:b", "a b", "a\tb"} {
		if err := Add(path, name, "pw"); err == nil {
			t.Errorf("Add(%q) = nil, want error", name)
		}
	}
}

func TestAddRejectsEmptyPassword(t *testing.T) {
	if err := Add(credFile(t), "alice", ""); err == nil {
		t.Error("Add(empty password) = nil, want error")
	}
}

func TestRemove(t *testing.T) {
	path := credFile(t)

	if err := Add(path, "alice", "pw"); err != nil {
		t.Fatalf("Add() = %v", err)
	}
	if err := Add(path, "bob", "pw"); err != nil {
		t.Fatalf("Add() = %v", err)
	}
	if err := Remove(path, "alice"); err != nil {
		t.Fatalf("Remove() = %v", err)
	}

	names, err := List(path)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(names) != 1 || names[0] != "bob" {
		t.Errorf("List() = %v, want [bob]", names)
	}
}

func TestRemoveMissing(t *testing.T) {
	path := credFile(t)
	if err := Add(path, "alice", "pw"); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	err := Remove(path, "nobody")
	if !errors.Is(err, instance.ErrUserNotFound) {
		t.Errorf("Remove(missing) = %v, want ErrUserNotFound", err)
	}
}

func TestListMissingFile(t *testing.T) {
	names, err := List(credFile(t))
	if err != nil {
		t.Fatalf("List(missing) = %v", err)
	}
	if len(names) != 0 {
		t.Errorf("List(missing) = %v, want empty", names)
	}
}

func TestVerify(t *testing.T) {
	path := credFile(t)
	if err := Add(path, "alice", "s3cret"); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	ok, err := Verify(path, "alice", "s3cret")
	if err != nil || !ok {
		t.Errorf("Verify(correct) = %v, %v, want true, nil", ok, err)
	}
	ok, err = Verify(path, "alice", "wrong")
	if err != nil || ok {
		t.Errorf("Verify(wrong) = %v, %v, want false, nil", ok, err)
	}
	if _, err := Verify(path, "nobody", "pw"); !errors.Is(err, instance.ErrUserNotFound) {
		t.Errorf("Verify(missing user) = %v, want ErrUserNotFound", err)
	}
}

func TestFileFormatAndMode(t *testing.T) {
	path := credFile(t)
	if err := Add(path, "alice", "pw"); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() = %v", err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 0600", fi.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "alice:$2") {
		t.Errorf("line = %q, want alice:$2... bcrypt hash", line)
	}
	if strings.Contains(line, "pw") {
		t.Error("credential file contains the plaintext password")
	}
}
