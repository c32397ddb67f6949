package fleet

import (
	"os"

	"github.com/proxfleet/proxfleet/internal/certs"
	"github.com/proxfleet/proxfleet/internal/eventlog"
	"github.com/proxfleet/proxfleet/internal/instance"
)

// CertInfo returns the parsed certificate for an instance, without ever
// generating one.
func (m *Manager) CertInfo(name string) (*certs.Info, error) {
	rec, err := m.reg.Get(name)
	if err != nil {
		return nil, err
	}
	return certs.Load(m.reg.InstanceDir(rec.Name))
}

// RegenerateCert overwrites the instance's certificate and key. A running
// daemon is restarted so it serves the new certificate.
func (m *Manager) RegenerateCert(name string) (*certs.Info, error) {
	unlock := m.lockInstance(name)
	defer unlock()

	rec, err := m.reg.Get(name)
	if err != nil {
		return nil, err
	}
	if !rec.NeedsCertificate() {
		return nil, &instance.ValidationError{
			Field:  "proxy_type",
			Reason: "instance has no certificate to regenerate",
		}
	}

	dir := m.reg.InstanceDir(name)
	if err := certs.Generate(dir, m.certParams(rec, m.config())); err != nil {
		m.setError(name, err)
		return nil, err
	}
	m.appendEvent(name, eventlog.TypeCertRenewed, "")

	if m.sup.Running(name) {
		if err := m.restartLocked(rec); err != nil {
			return nil, err
		}
	}
	return certs.Load(dir)
}

func readFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}
