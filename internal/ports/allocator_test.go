package ports

import (
	"errors"
	"testing"

	"github.com/proxfleet/proxfleet/internal/instance"
)

func records(pairs ...any) []*instance.Record {
	var recs []*instance.Record
	for i := 0; i < len(pairs); i += 2 {
		recs = append(recs, &instance.Record{
			Name: pairs[i].(string),
			Port: pairs[i+1].(int),
		})
	}
	return recs
}

func TestReserve_Free(t *testing.T) {
	recs := records("office", 3128, "vpn-front", 8443)
	if err := Reserve(9000, recs, ""); err != nil {
		t.Errorf("Reserve(9000) = %v, want nil", err)
	}
}

func TestReserve_Conflict(t *testing.T) {
	recs := records("office", 3128)
	err := Reserve(3128, recs, "")
	if !errors.Is(err, instance.ErrPortConflict) {
		t.Errorf("Reserve(3128) = %v, want ErrPortConflict", err)
	}
}

func TestReserve_ExcludesSelf(t *testing.T) {
	recs := records("office", 3128)
	if err := Reserve(3128, recs, "office"); err != nil {
		t.Errorf("Reserve(3128, excluding=office) = %v, want nil", err)
	}
}

func TestReserve_InvalidPort(t *testing.T) {
	for _, port := range []int{0, 80, 1023, 70000} {
		err := Reserve(port, nil, "")
		if !errors.Is(err, instance.ErrInvalidPort) {
			t.Errorf("Reserve(%d) = %v, want ErrInvalidPort", port, err)
		}
	}
}
