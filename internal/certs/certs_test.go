package certs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()

	err := Generate(dir, Params{CommonName: "office.internal", ValidityDays: 30, KeySize: 2048})
	if err != nil {
		t.Fatal(err)
	}

	info, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.CommonName != "office.internal" {
		t.Errorf("CommonName = %q, want %q", info.CommonName, "office.internal")
	}
	if info.KeySize != 2048 {
		t.Errorf("KeySize = %d, want 2048", info.KeySize)
	}
	wantExpiry := time.Now().AddDate(0, 0, 30)
	if info.NotAfter.Before(wantExpiry.Add(-time.Hour)) || info.NotAfter.After(wantExpiry.Add(time.Hour)) {
		t.Errorf("NotAfter = %v, want ~%v", info.NotAfter, wantExpiry)
	}
}

func TestGenerate_FilePermissions(t *testing.T) {
	dir := t.TempDir()

	if err := Generate(dir, Params{CommonName: "perm-check"}); err != nil {
		t.Fatal(err)
	}

	keyInfo, err := os.Stat(filepath.Join(dir, KeyFileName))
	if err != nil {
		t.Fatal(err)
	}
	if perm := keyInfo.Mode().Perm(); perm != 0600 {
		t.Errorf("key permissions = %o, want 600", perm)
	}

	certInfo, err := os.Stat(filepath.Join(dir, CertFileName))
	if err != nil {
		t.Fatal(err)
	}
	if perm := certInfo.Mode().Perm(); perm&0002 != 0 {
		t.Errorf("cert permissions %o are world-writable", perm)
	}
	if perm := certInfo.Mode().Perm(); perm&0004 == 0 {
		t.Errorf("cert permissions %o deny read to the daemon user", perm)
	}
}

func TestGenerate_RejectsWorldWritableDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0777); err != nil {
		t.Fatal(err)
	}

	err := Generate(dir, Params{CommonName: "loose-perms"})
	var certErr *Error
	if !errors.As(err, &certErr) {
		t.Fatalf("Generate in world-writable dir = %v, want *certs.Error", err)
	}
}

func TestGenerate_InvalidKeySize(t *testing.T) {
	err := Generate(t.TempDir(), Params{CommonName: "x", KeySize: 1024})
	var certErr *Error
	if !errors.As(err, &certErr) {
		t.Fatalf("Generate with 1024-bit key = %v, want *certs.Error", err)
	}
}

func TestGenerate_Regenerate(t *testing.T) {
	dir := t.TempDir()

	if err := Generate(dir, Params{CommonName: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := Generate(dir, Params{CommonName: "second"}); err != nil {
		t.Fatal(err)
	}

	info, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.CommonName != "second" {
		t.Errorf("CommonName after regenerate = %q, want %q", info.CommonName, "second")
	}
}

func TestLoad_NoCertificate(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("Load of empty dir succeeded, want error")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(dir) {
		t.Error("Exists = true before generation")
	}
	if err := Generate(dir, Params{CommonName: "x"}); err != nil {
		t.Fatal(err)
	}
	if !Exists(dir) {
		t.Error("Exists = false after generation")
	}
}
