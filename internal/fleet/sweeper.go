package fleet

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/proxfleet/proxfleet/internal/certs"
	"github.com/proxfleet/proxfleet/internal/eventlog"
)

// Sweeper runs scheduled fleet maintenance: warning about certificates that
// are about to expire and pruning old audit events.
type Sweeper struct {
	m     *Manager
	cron  *cron.Cron
	entry cron.EntryID
}

// NewSweeper schedules the maintenance sweep per the manager's configured
// cron expression.
func NewSweeper(m *Manager) (*Sweeper, error) {
	s := &Sweeper{m: m, cron: cron.New()}
	id, err := s.cron.AddFunc(m.config().SweepSchedule, s.Sweep)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule: %w", err)
	}
	s.entry = id
	return s, nil
}

// Reschedule swaps in a reloaded cron expression. An invalid expression is
// rejected and the current schedule stays in place.
func (s *Sweeper) Reschedule(expr string) error {
	id, err := s.cron.AddFunc(expr, s.Sweep)
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	s.cron.Remove(s.entry)
	s.entry = id
	return nil
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop ends the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one maintenance pass. Also called once at daemon startup so a
// long sweep interval cannot hide an already-expiring certificate.
func (s *Sweeper) Sweep() {
	cfg := s.m.config()

	recs, err := s.m.reg.List()
	if err != nil {
		log.Printf("sweep: list instances: %v", err)
		return
	}
	for _, rec := range recs {
		if !rec.NeedsCertificate() {
			continue
		}
		info, err := certs.Load(s.m.reg.InstanceDir(rec.Name))
		if err != nil {
			continue // no certificate yet; Start will generate one
		}
		left := time.Until(info.NotAfter)
		if left < cfg.CertExpiryWarn {
			detail := fmt.Sprintf("certificate expires %s", info.NotAfter.Format(time.RFC3339))
			if left < 0 {
				detail = fmt.Sprintf("certificate expired %s", info.NotAfter.Format(time.RFC3339))
			}
			log.Printf("sweep: %s: %s", rec.Name, detail)
			s.m.appendEvent(rec.Name, eventlog.TypeCertExpiring, detail)
		}
	}

	n, err := s.m.events.Prune(cfg.EventRetention)
	if err != nil {
		log.Printf("sweep: prune events: %v", err)
	} else if n > 0 {
		log.Printf("sweep: pruned %d events", n)
	}
}
