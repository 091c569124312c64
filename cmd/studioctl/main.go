// Command studioctl is a CLI wrapper around the fleet controller: it loads
// configuration, wires the five components (port inspector, discoverer,
// lifecycle engine, registry, health monitor) plus the event-log/audit-log
// sinks, and exposes their operations as subcommands. Subcommand dispatch
// follows the orchestrator's cmd/agentctl pattern: os.Args[1] picks the
// command, each command gets its own flag.NewFlagSet.
package main

import (
	"fmt"
	"os"

	"studiofleet/internal/discovery"
	"studiofleet/internal/fleeterr"
	"studiofleet/internal/lifecycle"
	"studiofleet/internal/port"
	"studiofleet/internal/registry"
	"studiofleet/pkg/config"
	"studiofleet/pkg/events"
	"studiofleet/pkg/logx"
)

var log = logx.NewLogger("studioctl")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "launch":
		err = handleLaunch(os.Args[2:])
	case "stop":
		err = handleStop(os.Args[2:])
	case "restart":
		err = handleRestart(os.Args[2:])
	case "status":
		err = handleStatus(os.Args[2:])
	case "refresh":
		err = handleRefresh(os.Args[2:])
	case "kill-orphans":
		err = handleKillOrphans(os.Args[2:])
	case "check-port":
		err = handleCheckPort(os.Args[2:])
	case "serve":
		err = handleServe(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "studioctl: %v\n", err)
		os.Exit(fleeterr.ExitCode(err))
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `studioctl - Studio Fleet Controller CLI

Usage:
  studioctl launch --project <path> [--name <name>] [--port <n>] [--force-new]
  studioctl stop --port <n>
  studioctl restart --port <n>
  studioctl status [--port <n>]
  studioctl refresh
  studioctl kill-orphans [--yes]
  studioctl check-port --port <n>
  studioctl serve [--metrics-addr <addr>]

Exit codes: 0 ok, 2 invalid project, 3 no free port, 4 spawn failed,
5 health-recovery exhausted, other nonzero reserved.
`)
}

// buildComponents wires C1-C4 against cfg, sharing a single event bus. The
// health monitor (C5) is constructed separately by callers that need a
// continuous sweep (currently only "serve"); one-shot commands only need
// the registry's own one-shot HealthCheck.
func buildComponents(cfg *config.Config) (*port.Inspector, *discovery.Discoverer, *lifecycle.Engine, *registry.Registry, *events.Bus, error) {
	backend := &port.PosixBackend{}
	inspector := port.New(cfg, backend)
	disc := discovery.New(cfg)
	bus := events.NewBus(0)
	life := lifecycle.New(cfg, inspector, disc, bus)

	registryPath := cfg.AssetsDir + "/.studio-registry.json"
	reg, err := registry.New(cfg, life, disc, inspector, bus, registryPath)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	return inspector, disc, life, reg, bus, nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(".", os.Getenv("HOME"))
}
