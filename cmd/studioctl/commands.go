package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"studiofleet/internal/fleeterr"
	"studiofleet/internal/port"
	"studiofleet/internal/registry"
	"studiofleet/pkg/metrics"
)

// countByStatus tallies instances by their Status field, for the
// studio_instances_total{status} gauge.
func countByStatus(instances []registry.Instance) map[string]int {
	counts := make(map[string]int, 4)
	for _, inst := range instances {
		counts[inst.Status]++
	}
	return counts
}

func handleLaunch(args []string) error {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	project := fs.String("project", "", "project directory to launch a studio for")
	name := fs.String("name", "", "project name hint (default: directory base name)")
	preferredPort := fs.Int("port", 0, "preferred port (0 = auto)")
	forceNew := fs.Bool("force-new", false, "stop any tracked instance and force a fresh spawn")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "studioctl launch --project <path> [--name <name>] [--port <n>] [--force-new]") }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		fs.Usage()
		return fleeterr.New(fleeterr.InvalidProject, "", "--project is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, _, _, reg, _, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	m := metrics.New()
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	outcome, err := reg.SmartLaunch(ctx, *project, *name, *preferredPort, *forceNew)
	if err != nil {
		return err
	}
	m.ObserveLaunch(time.Since(start))
	m.SetInstanceCounts(countByStatus(reg.Instances()))

	fmt.Printf("port=%d pid=%d url=%s reused=%v status=%s\n",
		outcome.Port, outcome.PID, outcome.URL, outcome.WasReused, outcome.Status)
	return nil
}

func handleStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	portNum := fs.Int("port", 0, "port of the instance to stop")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *portNum == 0 {
		return fleeterr.New(fleeterr.InvalidProject, "", "--port is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, _, _, reg, _, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if ok := reg.Stop(ctx, *portNum); !ok {
		return fleeterr.New(fleeterr.ProcessGone, fmt.Sprint(*portNum), "no tracked instance on that port, or no process was stopped")
	}
	fmt.Printf("stopped port=%d\n", *portNum)
	return nil
}

func handleRestart(args []string) error {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	portNum := fs.Int("port", 0, "port of the instance to restart")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *portNum == 0 {
		return fleeterr.New(fleeterr.InvalidProject, "", "--port is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, _, _, reg, _, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	outcome, err := reg.Restart(ctx, *portNum)
	if err != nil {
		return err
	}
	fmt.Printf("restarted port=%d pid=%d url=%s\n", outcome.Port, outcome.PID, outcome.URL)
	return nil
}

func handleStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	portNum := fs.Int("port", 0, "show only this port (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, _, _, reg, _, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	if *portNum != 0 {
		inst := reg.Instance(*portNum)
		if inst == nil {
			fmt.Printf("port %d: not tracked\n", *portNum)
			return nil
		}
		fmt.Printf("port=%d pid=%d project=%s status=%s url=%s\n",
			inst.Port, inst.PID, inst.ProjectName, inst.Status, inst.URL)
		return nil
	}

	for _, inst := range reg.Instances() {
		fmt.Printf("port=%d pid=%d project=%s status=%s url=%s\n",
			inst.Port, inst.PID, inst.ProjectName, inst.Status, inst.URL)
	}
	return nil
}

func handleRefresh(args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, _, _, reg, _, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := reg.RefreshDiscovery(ctx)
	fmt.Printf("newly_adopted=%d cleaned=%d errors=%d\n", result.NewlyAdopted, result.Cleaned, len(result.Errors))
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "  %v\n", e)
	}
	return nil
}

func handleKillOrphans(args []string) error {
	fs := flag.NewFlagSet("kill-orphans", flag.ExitOnError)
	yes := fs.Bool("yes", false, "skip the interactive confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*yes && !confirm("kill every responding studio the registry does not track") {
		fmt.Println("aborted")
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, _, _, reg, _, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := reg.KillOrphans(ctx)
	fmt.Printf("killed=%v errors=%d\n", result.Killed, len(result.Errors))
	return nil
}

func handleCheckPort(args []string) error {
	fs := flag.NewFlagSet("check-port", flag.ExitOnError)
	portNum := fs.Int("port", 0, "port to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *portNum == 0 {
		return fleeterr.New(fleeterr.InvalidProject, "", "--port is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend := &port.PosixBackend{}
	inspector := port.New(cfg, backend)
	m := metrics.New()

	safe, reason := inspector.ValidateSafety(*portNum)
	if !safe {
		m.PortChecksTotal.WithLabelValues("unsafe").Inc()
		fmt.Printf("port=%d safe=false reason=%s\n", *portNum, reason)
		return nil
	}

	available := inspector.IsAvailable(*portNum)
	if available {
		m.PortChecksTotal.WithLabelValues("available").Inc()
		fmt.Printf("port=%d available=true\n", *portNum)
		return nil
	}

	m.PortChecksTotal.WithLabelValues("unavailable").Inc()
	rec, err := inspector.Inspect(*portNum)
	if err != nil || rec == nil {
		fmt.Printf("port=%d available=false holder=unknown\n", *portNum)
		return nil
	}
	fmt.Printf("port=%d available=false holder_pid=%d holder_name=%s system_service=%v node_like=%v\n",
		*portNum, rec.HolderPID, rec.HolderName, rec.IsSystemService, rec.IsNodeLike)
	return nil
}
