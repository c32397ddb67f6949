package fleet

import (
	"errors"
	"log"

	"github.com/proxfleet/proxfleet/internal/instance"
)

// ActionKind is what the reconciler decided to do for one instance.
type ActionKind string

const (
	ActionStart ActionKind = "start"
)

// Action is one reconciliation decision.
type Action struct {
	Name string
	Kind ActionKind
}

// Reconcile computes the actions that converge observed processes to the
// records' desired state. It is a pure function of its input: instances
// wanting to run are started, instances wanting to be stopped need nothing
// (no process of ours is running at startup). Decision is separated from
// execution so it can be tested without processes.
func Reconcile(records []*instance.Record) []Action {
	var actions []Action
	for _, rec := range records {
		if rec.DesiredState == instance.DesiredRunning {
			actions = append(actions, Action{Name: rec.Name, Kind: ActionStart})
		}
	}
	return actions
}

// RunReconcile lists the registry and executes the reconciliation decisions.
// A start that fails (an orphaned process squatting the port binds first,
// for instance) leaves that record in status=error and moves on; the
// orphan is never adopted or killed. Instances whose desired state is
// stopped get their observed status normalized.
func (m *Manager) RunReconcile() error {
	recs, err := m.reg.List()
	if err != nil {
		return err
	}

	// Normalize statuses left over from a previous daemon's crash.
	for _, rec := range recs {
		if rec.DesiredState == instance.DesiredStopped && rec.Status != instance.StatusStopped {
			if _, err := m.reg.Update(rec.Name, func(r *instance.Record) error {
				r.Status = instance.StatusStopped
				r.LastError = ""
				return nil
			}); err != nil {
				log.Printf("fleet: reconcile normalize %s: %v", rec.Name, err)
			}
		}
	}

	var errs []error
	for _, action := range Reconcile(recs) {
		switch action.Kind {
		case ActionStart:
			if err := m.Start(action.Name); err != nil {
				log.Printf("fleet: reconcile start %s: %v", action.Name, err)
				errs = append(errs, err)
			}
		}
	}
	m.refreshMetrics()
	return errors.Join(errs...)
}
