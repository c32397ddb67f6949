package fleet

import (
	"fmt"
	"path/filepath"

	"github.com/proxfleet/proxfleet/internal/authstore"
	"github.com/proxfleet/proxfleet/internal/eventlog"
	"github.com/proxfleet/proxfleet/internal/instance"
)

// AddUser adds a basic-auth credential to a forward proxy instance. Adding
// the first user introduces the auth requirement into the daemon config, so
// the config is regenerated and a running daemon restarted when its
// rendered config actually changed.
func (m *Manager) AddUser(name, username, password string) error {
	unlock := m.lockInstance(name)
	defer unlock()

	rec, err := m.userInstance(name)
	if err != nil {
		return err
	}

	authFile := filepath.Join(m.reg.InstanceDir(name), authstore.FileName)
	if err := authstore.Add(authFile, username, password); err != nil {
		return err
	}
	m.appendEvent(name, eventlog.TypeUserAdded, username)
	return m.refreshConfigLocked(rec)
}

// RemoveUser deletes a credential. Removing the last user drops the auth
// requirement from the config, again restarting a running daemon.
func (m *Manager) RemoveUser(name, username string) error {
	unlock := m.lockInstance(name)
	defer unlock()

	rec, err := m.userInstance(name)
	if err != nil {
		return err
	}

	authFile := filepath.Join(m.reg.InstanceDir(name), authstore.FileName)
	if err := authstore.Remove(authFile, username); err != nil {
		return err
	}
	m.appendEvent(name, eventlog.TypeUserRemoved, username)
	return m.refreshConfigLocked(rec)
}

// ListUsers returns the usernames configured for a forward proxy instance.
func (m *Manager) ListUsers(name string) ([]string, error) {
	rec, err := m.userInstance(name)
	if err != nil {
		return nil, err
	}
	return authstore.List(filepath.Join(m.reg.InstanceDir(rec.Name), authstore.FileName))
}

// userInstance fetches the record and rejects variants without basic auth.
func (m *Manager) userInstance(name string) (*instance.Record, error) {
	rec, err := m.reg.Get(name)
	if err != nil {
		return nil, err
	}
	if rec.ProxyType != instance.ForwardProxy {
		return nil, &instance.ValidationError{
			Field:  "proxy_type",
			Reason: fmt.Sprintf("%s instances do not take users", rec.ProxyType),
		}
	}
	return rec, nil
}

// refreshConfigLocked regenerates the daemon config and restarts a running
// daemon only when the rendered text changed. Credential content changes
// are picked up by the auth helper per request and need no restart; the
// presence of the auth block itself is part of the config.
func (m *Manager) refreshConfigLocked(rec *instance.Record) error {
	dir := m.reg.InstanceDir(rec.Name)
	before, _ := readFileOrEmpty(filepath.Join(dir, ConfigFileName))

	if err := m.writeDaemonConfig(rec, m.config(), dir); err != nil {
		m.setError(rec.Name, err)
		return err
	}

	after, _ := readFileOrEmpty(filepath.Join(dir, ConfigFileName))
	if string(before) != string(after) && m.sup.Running(rec.Name) {
		return m.restartLocked(rec)
	}
	return nil
}
