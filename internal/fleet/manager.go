// Package fleet ties the lifecycle pieces together: the Manager facade that
// owns instance metadata, generated artifacts, and process actions; the
// startup reconciler that converges processes to desired state; and the
// scheduled maintenance sweep.
package fleet

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/proxfleet/proxfleet/internal/authstore"
	"github.com/proxfleet/proxfleet/internal/certs"
	"github.com/proxfleet/proxfleet/internal/config"
	"github.com/proxfleet/proxfleet/internal/eventlog"
	"github.com/proxfleet/proxfleet/internal/instance"
	"github.com/proxfleet/proxfleet/internal/logstore"
	"github.com/proxfleet/proxfleet/internal/metrics"
	"github.com/proxfleet/proxfleet/internal/proxycfg"
	"github.com/proxfleet/proxfleet/internal/registry"
	"github.com/proxfleet/proxfleet/internal/supervisor"
)

// ConfigFileName is the generated daemon configuration inside an instance
// directory.
const ConfigFileName = "proxy.conf"

// Manager is the single entry point for instance lifecycle operations. All
// mutations of one instance serialize on its advisory lock; operations on
// different instances run in parallel.
type Manager struct {
	reg    *registry.Registry
	sup    *supervisor.Supervisor
	events *eventlog.Log
	logs   *logstore.Store
	met    *metrics.Metrics

	cfgMu sync.RWMutex
	cfg   *config.Config

	locksMu sync.Mutex
	locks   map[string]*instanceLock
}

// instanceLock is a refcounted advisory lock. The entry leaves the map when
// the last holder or waiter releases it, so instance churn does not grow the
// map without bound.
type instanceLock struct {
	mu   sync.Mutex
	refs int
}

// New wires a manager over its collaborators and registers the
// unexpected-exit handler with the supervisor.
func New(cfg *config.Config, reg *registry.Registry, sup *supervisor.Supervisor, events *eventlog.Log, logs *logstore.Store, met *metrics.Metrics) *Manager {
	m := &Manager{
		reg:    reg,
		sup:    sup,
		events: events,
		logs:   logs,
		met:    met,
		cfg:    cfg,
		locks:  make(map[string]*instanceLock),
	}
	sup.OnUnexpectedExit = m.handleUnexpectedExit
	return m
}

// SetConfig swaps in a reloaded configuration. Generation inputs take effect
// on the next operation and supervision timing on the next start, stop or
// monitor round; running processes are not touched.
func (m *Manager) SetConfig(cfg *config.Config) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
	m.sup.SetTiming(cfg.ReadyTimeout, cfg.StopTimeout, cfg.MonitorInterval)
}

func (m *Manager) config() *config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// lockInstance takes the advisory lock for name and returns its release.
func (m *Manager) lockInstance(name string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &instanceLock{}
		m.locks[name] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, name)
		}
		m.locksMu.Unlock()
	}
}

// CreateSpec carries the operator-supplied fields for a new instance.
type CreateSpec struct {
	Name              string             `json:"name"`
	ProxyType         instance.ProxyType `json:"proxy_type"`
	Port              int                `json:"port"`
	HTTPSEnabled      bool               `json:"https_enabled"`
	DPIEvasionEnabled bool               `json:"dpi_evasion_enabled"`
	ForwardAddress    string             `json:"forward_address,omitempty"`
	CoverDomain       string             `json:"cover_domain,omitempty"`
}

// Create registers a new instance in desired_state=stopped and materializes
// its artifacts (certificate if the variant needs one, daemon config). No
// process is started.
func (m *Manager) Create(spec CreateSpec) (*instance.Record, error) {
	rec := &instance.Record{
		Name:              spec.Name,
		ProxyType:         spec.ProxyType,
		Port:              spec.Port,
		HTTPSEnabled:      spec.HTTPSEnabled,
		DPIEvasionEnabled: spec.DPIEvasionEnabled,
		ForwardAddress:    spec.ForwardAddress,
		CoverDomain:       spec.CoverDomain,
		DesiredState:      instance.DesiredStopped,
		Status:            instance.StatusStopped,
	}
	if err := m.reg.Create(rec); err != nil {
		return nil, err
	}

	unlock := m.lockInstance(rec.Name)
	defer unlock()

	if err := m.materialize(rec); err != nil {
		m.setError(rec.Name, err)
		return nil, err
	}
	m.appendEvent(rec.Name, eventlog.TypeCreated, fmt.Sprintf("%s on port %d", rec.ProxyType, rec.Port))
	m.refreshMetrics()
	return rec.Clone(), nil
}

// Get returns one instance record.
func (m *Manager) Get(name string) (*instance.Record, error) {
	return m.reg.Get(name)
}

// List returns all instance records sorted by name.
func (m *Manager) List() ([]*instance.Record, error) {
	return m.reg.List()
}

// UpdateSpec carries the mutable instance fields. Nil pointers leave the
// field untouched.
type UpdateSpec struct {
	Port              *int    `json:"port,omitempty"`
	HTTPSEnabled      *bool   `json:"https_enabled,omitempty"`
	DPIEvasionEnabled *bool   `json:"dpi_evasion_enabled,omitempty"`
	ForwardAddress    *string `json:"forward_address,omitempty"`
	CoverDomain       *string `json:"cover_domain,omitempty"`
}

// Update mutates an instance's configuration, regenerates its artifacts, and
// restarts the daemon when it is running so the new settings take effect.
func (m *Manager) Update(name string, spec UpdateSpec) (*instance.Record, error) {
	unlock := m.lockInstance(name)
	defer unlock()

	rec, err := m.reg.Update(name, func(r *instance.Record) error {
		if spec.Port != nil {
			r.Port = *spec.Port
		}
		if spec.HTTPSEnabled != nil {
			r.HTTPSEnabled = *spec.HTTPSEnabled
		}
		if spec.DPIEvasionEnabled != nil {
			r.DPIEvasionEnabled = *spec.DPIEvasionEnabled
		}
		if spec.ForwardAddress != nil {
			r.ForwardAddress = *spec.ForwardAddress
		}
		if spec.CoverDomain != nil {
			r.CoverDomain = *spec.CoverDomain
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.materialize(rec); err != nil {
		m.setError(name, err)
		return nil, err
	}
	m.appendEvent(name, eventlog.TypeUpdated, "")

	if m.sup.Running(name) {
		if err := m.restartLocked(rec); err != nil {
			return nil, err
		}
		rec, err = m.reg.Get(name)
		if err != nil {
			return nil, err
		}
	}
	m.refreshMetrics()
	return rec, nil
}

// Delete stops the instance's process if one is running and removes its
// record and directory with every artifact in it.
func (m *Manager) Delete(name string) error {
	unlock := m.lockInstance(name)
	defer unlock()

	if _, err := m.reg.Get(name); err != nil {
		return err
	}
	if err := m.sup.Stop(name); err != nil {
		return err
	}
	m.logs.Remove(name)
	if err := m.reg.Delete(name); err != nil {
		return err
	}
	m.appendEvent(name, eventlog.TypeDeleted, "")
	m.refreshMetrics()
	return nil
}

// Start records desired_state=running durably, refreshes artifacts, and
// spawns the daemon, blocking until its listener is ready. Starting a
// running instance is a no-op. On failure status becomes error with the
// reason retained; desired_state keeps the operator's intent.
func (m *Manager) Start(name string) error {
	unlock := m.lockInstance(name)
	defer unlock()
	return m.startLocked(name)
}

func (m *Manager) startLocked(name string) error {
	rec, err := m.reg.Get(name)
	if err != nil {
		return err
	}
	if m.sup.Running(name) && rec.DesiredState == instance.DesiredRunning {
		return nil
	}

	rec, err = m.reg.Update(name, func(r *instance.Record) error {
		r.DesiredState = instance.DesiredRunning
		r.Status = instance.StatusInitializing
		r.LastError = ""
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.materialize(rec); err != nil {
		m.setError(name, err)
		return err
	}

	dir := m.reg.InstanceDir(name)
	spawned := time.Now()
	if err := m.sup.Start(rec, dir, filepath.Join(dir, ConfigFileName)); err != nil {
		m.setError(name, err)
		m.appendEvent(name, eventlog.TypeStartFailed, err.Error())
		m.met.StartFailures.Inc()
		m.refreshMetrics()
		return err
	}
	m.met.ReadySeconds.Observe(time.Since(spawned).Seconds())

	if _, err := m.reg.Update(name, func(r *instance.Record) error {
		r.Status = instance.StatusRunning
		r.LastError = ""
		return nil
	}); err != nil {
		return err
	}
	m.appendEvent(name, eventlog.TypeStarted, "")
	m.met.Starts.Inc()
	m.refreshMetrics()
	return nil
}

// Stop records desired_state=stopped durably and terminates the daemon.
// Stopping a stopped instance is a no-op.
func (m *Manager) Stop(name string) error {
	unlock := m.lockInstance(name)
	defer unlock()

	if _, err := m.reg.Get(name); err != nil {
		return err
	}

	if _, err := m.reg.Update(name, func(r *instance.Record) error {
		r.DesiredState = instance.DesiredStopped
		return nil
	}); err != nil {
		return err
	}

	wasRunning := m.sup.Running(name)
	if err := m.sup.Stop(name); err != nil {
		m.setError(name, err)
		return err
	}

	if _, err := m.reg.Update(name, func(r *instance.Record) error {
		r.Status = instance.StatusStopped
		r.LastError = ""
		return nil
	}); err != nil {
		return err
	}
	if wasRunning {
		m.appendEvent(name, eventlog.TypeStopped, "")
		m.met.Stops.Inc()
	}
	m.refreshMetrics()
	return nil
}

// restartLocked bounces a running daemon without touching desired_state.
// Caller holds the instance lock.
func (m *Manager) restartLocked(rec *instance.Record) error {
	if err := m.sup.Stop(rec.Name); err != nil {
		m.setError(rec.Name, err)
		return err
	}
	dir := m.reg.InstanceDir(rec.Name)
	spawned := time.Now()
	if err := m.sup.Start(rec, dir, filepath.Join(dir, ConfigFileName)); err != nil {
		m.setError(rec.Name, err)
		m.appendEvent(rec.Name, eventlog.TypeStartFailed, err.Error())
		m.met.StartFailures.Inc()
		m.refreshMetrics()
		return err
	}
	m.met.ReadySeconds.Observe(time.Since(spawned).Seconds())
	_, err := m.reg.Update(rec.Name, func(r *instance.Record) error {
		r.Status = instance.StatusRunning
		r.LastError = ""
		return nil
	})
	return err
}

// Logs returns the last n lines of the instance's daemon output.
func (m *Manager) Logs(name string, n int) ([]string, error) {
	if _, err := m.reg.Get(name); err != nil {
		return nil, err
	}
	return m.logs.Tail(name, m.reg.InstanceDir(name), n)
}

// Events returns recent audit events, optionally filtered to one instance.
func (m *Manager) Events(name string, limit int) ([]*eventlog.Event, error) {
	if name != "" {
		if _, err := m.reg.Get(name); err != nil {
			return nil, err
		}
	}
	return m.events.List(name, limit)
}

// Shutdown stops every supervised process and marks their status stopped.
// desired_state is untouched so the next daemon start reconciles them back.
func (m *Manager) Shutdown() {
	m.sup.StopAll()
	recs, err := m.reg.List()
	if err != nil {
		log.Printf("fleet: shutdown census: %v", err)
		return
	}
	for _, rec := range recs {
		if rec.Status == instance.StatusRunning || rec.Status == instance.StatusInitializing {
			if _, err := m.reg.Update(rec.Name, func(r *instance.Record) error {
				r.Status = instance.StatusStopped
				return nil
			}); err != nil {
				log.Printf("fleet: shutdown status %s: %v", rec.Name, err)
			}
		}
	}
	m.logs.CloseAll()
}

// materialize refreshes the instance's generated artifacts: the certificate
// when the variant needs one and none exists yet, then the daemon config.
func (m *Manager) materialize(rec *instance.Record) error {
	cfg := m.config()
	dir := m.reg.InstanceDir(rec.Name)

	if rec.NeedsCertificate() && !certs.Exists(dir) {
		if err := certs.Generate(dir, m.certParams(rec, cfg)); err != nil {
			return err
		}
	}
	return m.writeDaemonConfig(rec, cfg, dir)
}

func (m *Manager) certParams(rec *instance.Record, cfg *config.Config) certs.Params {
	cn := rec.Name
	if rec.CoverDomain != "" {
		cn = rec.CoverDomain
	}
	return certs.Params{
		CommonName:   cn,
		Organization: "proxfleet",
		ValidityDays: cfg.CertValidityDays,
		KeySize:      cfg.CertKeySize,
	}
}

func (m *Manager) writeDaemonConfig(rec *instance.Record, cfg *config.Config, dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	in := proxycfg.Inputs{
		CoverSiteAddress: cfg.CoverSiteAddress,
		BasicAuthHelper:  cfg.BasicAuthHelper,
	}
	if rec.NeedsCertificate() {
		in.CertFile = filepath.Join(absDir, certs.CertFileName)
		in.KeyFile = filepath.Join(absDir, certs.KeyFileName)
	}
	authFile := filepath.Join(absDir, authstore.FileName)
	if rec.ProxyType == instance.ForwardProxy {
		if _, err := os.Stat(authFile); err == nil {
			in.AuthFile = authFile
		}
	}

	text := proxycfg.Generate(rec, in)
	return writeFileAtomic(filepath.Join(dir, ConfigFileName), []byte(text), 0644)
}

// setError persists status=error with the failure reason. desired_state is
// left alone; the operator's intent survives the failure.
func (m *Manager) setError(name string, cause error) {
	if _, err := m.reg.Update(name, func(r *instance.Record) error {
		r.Status = instance.StatusError
		r.LastError = cause.Error()
		return nil
	}); err != nil {
		log.Printf("fleet: record error for %s: %v", name, err)
	}
	m.refreshMetrics()
}

// handleUnexpectedExit runs on the supervisor's wait goroutine when a daemon
// dies without a stop request. The instance is flipped to error; nothing is
// restarted.
func (m *Manager) handleUnexpectedExit(name string, exitErr error) {
	rec, err := m.reg.Get(name)
	if err != nil {
		log.Printf("fleet: unexpected exit of unknown instance %s: %v", name, exitErr)
		return
	}
	if rec.DesiredState != instance.DesiredRunning {
		return
	}

	reason := "process exited unexpectedly"
	if exitErr != nil {
		reason = fmt.Sprintf("process exited unexpectedly: %v", exitErr)
	}
	if _, err := m.reg.Update(name, func(r *instance.Record) error {
		r.Status = instance.StatusError
		r.LastError = reason
		return nil
	}); err != nil {
		log.Printf("fleet: record unexpected exit for %s: %v", name, err)
	}
	m.appendEvent(name, eventlog.TypeUnexpectedExit, reason)
	m.met.UnexpectedExits.Inc()
	m.refreshMetrics()
}

func (m *Manager) appendEvent(name, typ, detail string) {
	if err := m.events.Append(name, typ, detail); err != nil {
		log.Printf("fleet: append event %s/%s: %v", name, typ, err)
	}
}

// refreshMetrics recomputes the instances-by-status census.
func (m *Manager) refreshMetrics() {
	recs, err := m.reg.List()
	if err != nil {
		log.Printf("fleet: metrics census: %v", err)
		return
	}
	counts := make(map[string]int)
	for _, rec := range recs {
		counts[string(rec.Status)]++
	}
	m.met.SetStatusCounts(counts)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
