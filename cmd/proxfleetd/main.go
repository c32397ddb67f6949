// proxfleetd is the proxfleet daemon: the local control plane for a fleet
// of forward-proxy and TLS-tunnel instances on one host.
//
// It listens on a unix socket and provides an HTTP API for instance
// lifecycle, credential and certificate management, plus a Prometheus
// endpoint for fleet health.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxfleet/proxfleet/internal/api"
	"github.com/proxfleet/proxfleet/internal/config"
	"github.com/proxfleet/proxfleet/internal/eventlog"
	"github.com/proxfleet/proxfleet/internal/fleet"
	"github.com/proxfleet/proxfleet/internal/logstore"
	"github.com/proxfleet/proxfleet/internal/metrics"
	"github.com/proxfleet/proxfleet/internal/registry"
	"github.com/proxfleet/proxfleet/internal/supervisor"
	"github.com/proxfleet/proxfleet/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	resolveBinaries(cfg)

	log.Printf("proxfleetd %s starting (data: %s)", version.Version(), cfg.DataDir)

	// Open the instance registry. A corrupt record fails startup here.
	reg, err := registry.Open(cfg.InstancesDir())
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}

	events, err := eventlog.Open(cfg.EventDBPath())
	if err != nil {
		log.Fatalf("open event log: %v", err)
	}
	defer events.Close()

	logs := logstore.NewStore()
	sup := supervisor.New(supervisor.Config{
		ForwardProxyBin: cfg.ForwardProxyBin,
		TLSTunnelBin:    cfg.TLSTunnelBin,
		ReadyTimeout:    cfg.ReadyTimeout,
		StopTimeout:     cfg.StopTimeout,
		MonitorInterval: cfg.MonitorInterval,
	}, logs)
	met := metrics.New()
	mgr := fleet.New(cfg, reg, sup, events, logs, met)

	// Converge processes to the desired state on disk.
	if err := mgr.RunReconcile(); err != nil {
		log.Printf("reconcile: %v", err)
	}

	monitorStop := make(chan struct{})
	go sup.Monitor(monitorStop)

	sweeper, err := fleet.NewSweeper(mgr)
	if err != nil {
		log.Fatalf("init sweeper: %v", err)
	}
	sweeper.Sweep()
	sweeper.Start()

	// Hot reload of tunables; instance state is never touched here.
	stopWatch, err := config.Watch(*configPath, func(c *config.Config) {
		mgr.SetConfig(c)
		if err := sweeper.Reschedule(c.SweepSchedule); err != nil {
			log.Printf("config reload: %v", err)
		}
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
		stopWatch = func() {}
	}

	server := api.NewServer(cfg, mgr, met)
	if err := server.Start(); err != nil {
		log.Fatalf("start API server: %v", err)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: met.Handler()}
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	// Write PID file
	pidPath := cfg.PIDFilePath()
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Printf("proxfleetd ready (pid %d, socket %s)", os.Getpid(), cfg.SocketPath)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	stopWatch()
	sweeper.Stop()
	close(monitorStop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Printf("metrics shutdown: %v", err)
		}
	}

	// Stop all proxy daemons. desired_state stays on disk so the next start
	// reconciles them back up.
	mgr.Shutdown()

	log.Println("proxfleetd stopped")
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return home + "/.proxfleet/proxfleet.yaml"
}

// resolveBinaries fills unset daemon binary paths from PATH. Missing
// binaries are not fatal at startup; starting an instance of that variant
// will fail with the reason recorded on the instance.
func resolveBinaries(cfg *config.Config) {
	if cfg.ForwardProxyBin == "" {
		if p, err := exec.LookPath("squid"); err == nil {
			cfg.ForwardProxyBin = p
		}
	}
	if cfg.TLSTunnelBin == "" {
		if p, err := exec.LookPath("sniproxy"); err == nil {
			cfg.TLSTunnelBin = p
		}
	}
	log.Printf("daemon binaries: forward_proxy=%q tls_tunnel=%q", cfg.ForwardProxyBin, cfg.TLSTunnelBin)
}
