package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/proxfleet/proxfleet/internal/instance"
)

func testRecord(name string, port int) *instance.Record {
	return &instance.Record{
		Name:         name,
		ProxyType:    instance.ForwardProxy,
		Port:         port,
		DesiredState: instance.DesiredStopped,
		Status:       instance.StatusStopped,
	}
}

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "instances"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	return r
}

func TestCreateAndGet(t *testing.T) {
	r := openTestRegistry(t)

	rec := testRecord("web", 3128)
	if err := r.Create(rec); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("Create() did not stamp CreatedAt")
	}

	got, err := r.Get("web")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.Name != "web" || got.Port != 3128 || got.ProxyType != instance.ForwardProxy {
		t.Errorf("Get() = %+v, want the created record", got)
	}
}

// Racing creates for the same name and for the same port must each admit
// exactly one winner; the losers get the matching conflict error.
func TestCreateConcurrentOneWinner(t *testing.T) {
	const workers = 8

	t.Run("same name", func(t *testing.T) {
		r := openTestRegistry(t)
		errs := make(chan error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(port int) {
				defer wg.Done()
				errs <- r.Create(testRecord("web", port))
			}(3128 + i)
		}
		wg.Wait()
		close(errs)

		wins := 0
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, instance.ErrNameConflict):
			default:
				t.Errorf("Create() = %v, want nil or ErrNameConflict", err)
			}
		}
		if wins != 1 {
			t.Errorf("%d creates of the same name succeeded, want 1", wins)
		}
		recs, err := r.List()
		if err != nil || len(recs) != 1 {
			t.Errorf("List() = %d records, %v, want 1 record", len(recs), err)
		}
	})

	t.Run("same port", func(t *testing.T) {
		r := openTestRegistry(t)
		errs := make(chan error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- r.Create(testRecord(fmt.Sprintf("web-%d", i), 3128))
			}(i)
		}
		wg.Wait()
		close(errs)

		wins := 0
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, instance.ErrPortConflict):
			default:
				t.Errorf("Create() = %v, want nil or ErrPortConflict", err)
			}
		}
		if wins != 1 {
			t.Errorf("%d creates of the same port succeeded, want 1", wins)
		}
	})
}

func TestCreateNameConflict(t *testing.T) {
	r := openTestRegistry(t)

	if err := r.Create(testRecord("web", 3128)); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	err := r.Create(testRecord("web", 3129))
	if !errors.Is(err, instance.ErrNameConflict) {
		t.Errorf("Create(duplicate name) = %v, want ErrNameConflict", err)
	}
}

func TestCreatePortConflict(t *testing.T) {
	r := openTestRegistry(t)

	if err := r.Create(testRecord("a", 3128)); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	err := r.Create(testRecord("b", 3128))
	if !errors.Is(err, instance.ErrPortConflict) {
		t.Errorf("Create(duplicate port) = %v, want ErrPortConflict", err)
	}
}

func TestCreateInvalid(t *testing.T) {
	r := openTestRegistry(t)

	rec := testRecord("bad", 80) // below the privileged-port floor
	if err := r.Create(rec); !errors.Is(err, instance.ErrInvalidPort) {
		t.Errorf("Create(port 80) = %v, want ErrInvalidPort", err)
	}
}

func TestGetMissing(t *testing.T) {
	r := openTestRegistry(t)
	if _, err := r.Get("nope"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestListSorted(t *testing.T) {
	r := openTestRegistry(t)

	for i, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Create(testRecord(name, 3128+i)); err != nil {
			t.Fatalf("Create(%s) = %v", name, err)
		}
	}

	recs, err := r.List()
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(recs) != len(want) {
		t.Fatalf("List() returned %d records, want %d", len(recs), len(want))
	}
	for i, rec := range recs {
		if rec.Name != want[i] {
			t.Errorf("List()[%d].Name = %q, want %q", i, rec.Name, want[i])
		}
	}
}

func TestUpdate(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Create(testRecord("web", 3128)); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	got, err := r.Update("web", func(rec *instance.Record) error {
		rec.Port = 3129
		rec.DesiredState = instance.DesiredRunning
		return nil
	})
	if err != nil {
		t.Fatalf("Update() = %v", err)
	}
	if got.Port != 3129 || got.DesiredState != instance.DesiredRunning {
		t.Errorf("Update() = %+v, want port 3129 running", got)
	}

	reread, err := r.Get("web")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if reread.Port != 3129 {
		t.Errorf("persisted port = %d, want 3129", reread.Port)
	}
}

func TestUpdatePortConflict(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Create(testRecord("a", 3128)); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := r.Create(testRecord("b", 3129)); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	_, err := r.Update("b", func(rec *instance.Record) error {
		rec.Port = 3128
		return nil
	})
	if !errors.Is(err, instance.ErrPortConflict) {
		t.Errorf("Update(to taken port) = %v, want ErrPortConflict", err)
	}
}

func TestUpdateSamePortKept(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Create(testRecord("a", 3128)); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	if _, err := r.Update("a", func(rec *instance.Record) error {
		rec.HTTPSEnabled = false
		return nil
	}); err != nil {
		t.Errorf("Update(keeping own port) = %v", err)
	}
}

func TestUpdateRejectsRename(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Create(testRecord("a", 3128)); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	if _, err := r.Update("a", func(rec *instance.Record) error {
		rec.Name = "b"
		return nil
	}); err == nil {
		t.Error("Update(rename) = nil, want error")
	}
}

func TestDelete(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Create(testRecord("web", 3128)); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	dir := r.InstanceDir("web")
	if err := os.WriteFile(filepath.Join(dir, "proxy.conf"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	if err := r.Delete("web"); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("instance directory still exists after Delete")
	}
	if _, err := r.Get("web"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("Get(deleted) = %v, want ErrNotFound", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Delete("nope"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestReopenSeesRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "instances")
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if err := r.Create(testRecord("web", 3128)); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	r2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	if _, err := r2.Get("web"); err != nil {
		t.Errorf("Get() after reopen = %v", err)
	}
}

func TestOpenRejectsCorruptRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "instances")
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if err := r.Create(testRecord("web", 3128)); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	path := filepath.Join(r.InstanceDir("web"), "record.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	if _, err := Open(dir); err == nil {
		t.Error("Open(corrupt record) = nil, want error")
	}
}
