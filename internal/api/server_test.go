package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/proxfleet/proxfleet/internal/config"
	"github.com/proxfleet/proxfleet/internal/eventlog"
	"github.com/proxfleet/proxfleet/internal/fleet"
	"github.com/proxfleet/proxfleet/internal/instance"
	"github.com/proxfleet/proxfleet/internal/logstore"
	"github.com/proxfleet/proxfleet/internal/metrics"
	"github.com/proxfleet/proxfleet/internal/registry"
	"github.com/proxfleet/proxfleet/internal/supervisor"
)

func setupTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	base := t.TempDir()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.SocketPath = filepath.Join(base, "proxfleetd.sock")
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	reg, err := registry.Open(cfg.InstancesDir())
	if err != nil {
		t.Fatal(err)
	}
	events, err := eventlog.Open(cfg.EventDBPath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { events.Close() })

	logs := logstore.NewStore()
	sup := supervisor.New(supervisor.Config{
		ForwardProxyBin: "/nonexistent/forward-proxy",
		TLSTunnelBin:    "/nonexistent/tls-tunnel",
		ReadyTimeout:    time.Second,
		StopTimeout:     time.Second,
	}, logs)
	met := metrics.New()
	mgr := fleet.New(cfg, reg, sup, events, logs, met)

	s := NewServer(cfg, mgr, met)
	ts := httptest.NewServer(s.mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func createInstance(t *testing.T, ts *httptest.Server, spec fleet.CreateSpec) {
	t.Helper()
	resp := doJSON(t, "POST", ts.URL+"/v1/instances", spec)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create returned %d", resp.StatusCode)
	}
}

func TestCreateAndGetInstance(t *testing.T) {
	_, ts := setupTestServer(t)

	resp := doJSON(t, "POST", ts.URL+"/v1/instances", fleet.CreateSpec{
		Name:      "office",
		ProxyType: instance.ForwardProxy,
		Port:      3128,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /v1/instances = %d, want 201", resp.StatusCode)
	}

	resp = doJSON(t, "GET", ts.URL+"/v1/instances/office", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/instances/office = %d, want 200", resp.StatusCode)
	}
	var rec instance.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Name != "office" || rec.Port != 3128 || rec.DesiredState != instance.DesiredStopped {
		t.Errorf("record = %+v", rec)
	}
}

func TestCreateValidation(t *testing.T) {
	_, ts := setupTestServer(t)

	cases := []struct {
		name string
		spec fleet.CreateSpec
		want int
	}{
		{"bad name", fleet.CreateSpec{Name: "../etc", ProxyType: instance.ForwardProxy, Port: 3128}, http.StatusBadRequest},
		{"privileged port", fleet.CreateSpec{Name: "x", ProxyType: instance.ForwardProxy, Port: 80}, http.StatusBadRequest},
		{"tunnel without forward", fleet.CreateSpec{Name: "x", ProxyType: instance.TLSTunnel, Port: 3130}, http.StatusBadRequest},
		{"unknown type", fleet.CreateSpec{Name: "x", ProxyType: "weird", Port: 3131}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := doJSON(t, "POST", ts.URL+"/v1/instances", tc.spec)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestConflictStatusCodes(t *testing.T) {
	_, ts := setupTestServer(t)

	createInstance(t, ts, fleet.CreateSpec{Name: "a", ProxyType: instance.ForwardProxy, Port: 3128})

	resp := doJSON(t, "POST", ts.URL+"/v1/instances", fleet.CreateSpec{
		Name: "a", ProxyType: instance.ForwardProxy, Port: 3129,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate name = %d, want 409", resp.StatusCode)
	}

	resp = doJSON(t, "POST", ts.URL+"/v1/instances", fleet.CreateSpec{
		Name: "b", ProxyType: instance.ForwardProxy, Port: 3128,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate port = %d, want 409", resp.StatusCode)
	}
}

func TestNotFoundStatusCodes(t *testing.T) {
	_, ts := setupTestServer(t)

	for _, c := range []struct{ method, path string }{
		{"GET", "/v1/instances/ghost"},
		{"DELETE", "/v1/instances/ghost"},
		{"POST", "/v1/instances/ghost/start"},
		{"POST", "/v1/instances/ghost/stop"},
		{"GET", "/v1/instances/ghost/users"},
		{"GET", "/v1/instances/ghost/logs"},
	} {
		resp := doJSON(t, c.method, ts.URL+c.path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", c.method, c.path, resp.StatusCode)
		}
	}
}

func TestUserEndpoints(t *testing.T) {
	_, ts := setupTestServer(t)
	createInstance(t, ts, fleet.CreateSpec{Name: "office", ProxyType: instance.ForwardProxy, Port: 3128})

	resp := doJSON(t, "POST", ts.URL+"/v1/instances/office/users", addUserRequest{Username: "alice", Password: "pw"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add user = %d, want 201", resp.StatusCode)
	}

	resp = doJSON(t, "POST", ts.URL+"/v1/instances/office/users", addUserRequest{Username: "alice", Password: "pw"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate user = %d, want 409", resp.StatusCode)
	}

	resp = doJSON(t, "GET", ts.URL+"/v1/instances/office/users", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list users = %d", resp.StatusCode)
	}
	var got map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got["users"]) != 1 || got["users"][0] != "alice" {
		t.Errorf("users = %v, want [alice]", got["users"])
	}

	resp = doJSON(t, "DELETE", ts.URL+"/v1/instances/office/users/alice", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("remove user = %d, want 204", resp.StatusCode)
	}
	resp = doJSON(t, "DELETE", ts.URL+"/v1/instances/office/users/alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("remove missing user = %d, want 404", resp.StatusCode)
	}
}

func TestCertEndpoints(t *testing.T) {
	_, ts := setupTestServer(t)
	createInstance(t, ts, fleet.CreateSpec{
		Name:           "tun",
		ProxyType:      instance.TLSTunnel,
		Port:           3129,
		ForwardAddress: "10.0.0.2:1194",
	})

	resp := doJSON(t, "GET", ts.URL+"/v1/instances/tun/cert", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cert info = %d, want 200", resp.StatusCode)
	}
	var info struct {
		CommonName string    `json:"common_name"`
		NotAfter   time.Time `json:"not_after"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.CommonName != "tun" {
		t.Errorf("common name = %q, want tun", info.CommonName)
	}
	if !info.NotAfter.After(time.Now()) {
		t.Errorf("certificate already expired: %s", info.NotAfter)
	}

	resp = doJSON(t, "POST", ts.URL+"/v1/instances/tun/cert", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("regenerate = %d, want 200", resp.StatusCode)
	}

	// A plain http forward proxy has no certificate to serve.
	createInstance(t, ts, fleet.CreateSpec{Name: "plain", ProxyType: instance.ForwardProxy, Port: 3130})
	resp = doJSON(t, "GET", ts.URL+"/v1/instances/plain/cert", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cert info without cert = %d, want 404", resp.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	createInstance(t, ts, fleet.CreateSpec{Name: "a", ProxyType: instance.ForwardProxy, Port: 3128})
	createInstance(t, ts, fleet.CreateSpec{Name: "b", ProxyType: instance.ForwardProxy, Port: 3129})

	resp := doJSON(t, "GET", ts.URL+"/v1/events?instance=a", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events = %d", resp.StatusCode)
	}
	var events []struct {
		Instance string `json:"instance"`
		Type     string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Instance != "a" || events[0].Type != "created" {
		t.Errorf("events = %v", events)
	}

	resp = doJSON(t, "GET", ts.URL+"/v1/events?limit=nope", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	createInstance(t, ts, fleet.CreateSpec{Name: "a", ProxyType: instance.ForwardProxy, Port: 3128})

	resp := doJSON(t, "GET", ts.URL+"/v1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Status != "running" || st.Instances["stopped"] != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp := doJSON(t, "GET", ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestUpdateEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	createInstance(t, ts, fleet.CreateSpec{Name: "office", ProxyType: instance.ForwardProxy, Port: 3128})

	port := 3129
	resp := doJSON(t, "PATCH", ts.URL+"/v1/instances/office", fleet.UpdateSpec{Port: &port})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update = %d", resp.StatusCode)
	}
	var rec instance.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Port != 3129 {
		t.Errorf("port = %d, want 3129", rec.Port)
	}
}

func TestListInstances(t *testing.T) {
	_, ts := setupTestServer(t)
	for i := 0; i < 3; i++ {
		createInstance(t, ts, fleet.CreateSpec{
			Name:      fmt.Sprintf("inst-%d", i),
			ProxyType: instance.ForwardProxy,
			Port:      3128 + i,
		})
	}

	resp := doJSON(t, "GET", ts.URL+"/v1/instances", nil)
	var recs []instance.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Errorf("list = %d records, want 3", len(recs))
	}
}
