// Package ports validates instance port claims against the set of live
// instance records. Reservation is a pure check: the registry invokes it
// under its own lock on the create and update paths, which closes the race
// window between check and commit.
package ports

import (
	"fmt"

	"github.com/proxfleet/proxfleet/internal/instance"
)

// Reserve checks that port is syntactically legal and not claimed by any
// record other than excluding (the name of the instance being updated, or
// empty on create). It returns instance.ErrInvalidPort or
// instance.ErrPortConflict wrapped with the offending context.
func Reserve(port int, records []*instance.Record, excluding string) error {
	if err := instance.ValidatePort(port); err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Name == excluding {
			continue
		}
		if rec.Port == port {
			return fmt.Errorf("port %d held by instance %q: %w", port, rec.Name, instance.ErrPortConflict)
		}
	}
	return nil
}
