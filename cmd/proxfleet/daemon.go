package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxfleet/proxfleet/internal/config"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the proxfleetd daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, ok := daemonPid(); ok {
			fmt.Printf("proxfleetd is already running (pid %d)\n", pid)
			return nil
		}

		exe, _ := os.Executable()
		daemonBin := filepath.Join(filepath.Dir(exe), "proxfleetd")
		if _, err := os.Stat(daemonBin); err != nil {
			return fmt.Errorf("proxfleetd binary not found at %s", daemonBin)
		}

		c := exec.Command(daemonBin)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := c.Start(); err != nil {
			return fmt.Errorf("start proxfleetd: %w", err)
		}
		c.Process.Release()

		for i := 0; i < 50; i++ {
			if _, err := apiClient().GetStatus(cmd.Context()); err == nil {
				fmt.Println("proxfleetd started")
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("proxfleetd did not become ready")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the proxfleetd daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, ok := daemonPid()
		if !ok {
			fmt.Println("proxfleetd is not running")
			return nil
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			fmt.Println("proxfleetd is not running")
			return nil
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}
		fmt.Printf("proxfleetd stopping (pid %d)\n", pid)

		for i := 0; i < 100; i++ {
			if _, ok := daemonPid(); !ok {
				fmt.Println("proxfleetd stopped")
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("proxfleetd (pid %d) did not exit", pid)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and fleet summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient().GetStatus(cmd.Context())
		if err != nil {
			fmt.Println("proxfleetd: not running")
			return nil
		}

		fmt.Printf("proxfleetd: %s (%s)\n", st.Status, st.Version)
		total := 0
		for _, n := range st.Instances {
			total += n
		}
		fmt.Printf("instances: %d total", total)
		for _, s := range []string{"running", "stopped", "error", "initializing"} {
			if n := st.Instances[s]; n > 0 {
				fmt.Printf(", %d %s", n, s)
			}
		}
		fmt.Println()
		return nil
	},
}

// daemonPid reads the daemon's pid file and checks the process is alive.
func daemonPid() (int, bool) {
	data, err := os.ReadFile(config.Default().PIDFilePath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if proc.Signal(syscall.Signal(0)) != nil {
		return 0, false
	}
	return pid, true
}

func init() {
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}
