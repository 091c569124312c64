// Package registry implements the Registry (C4): a persistent map of known
// studio instances, the smart-launch entry point that fuses discovery,
// reuse and lifecycle, and per-project port memory. Persistence follows the
// write-temp-then-rename idiom used throughout the fleet controller's
// on-disk formats.
package registry

import (
	"context"
	"fmt"
	"time"

	"studiofleet/internal/discovery"
	"studiofleet/internal/fleeterr"
	"studiofleet/internal/lifecycle"
	"studiofleet/internal/port"
	"studiofleet/pkg/config"
	"studiofleet/pkg/events"
	"studiofleet/pkg/logx"
)

// Status values for a persisted Instance.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// Instance is a persisted studio instance record.
type Instance struct {
	PID         int       `json:"pid"`
	Port        int       `json:"port"`
	ProjectPath string    `json:"project_path"`
	ProjectName string    `json:"project_name"`
	StartTime   time.Time `json:"-"`
	StartTimeMS int64     `json:"start_time"`
	Status      string    `json:"status"`
	URL         string    `json:"url"`
}

// LaunchOutcome is SmartLaunch's return value: an Instance plus a flag
// telling the caller whether an existing studio was reused instead of
// spawning a new one.
type LaunchOutcome struct {
	Instance
	WasReused bool
}

// RefreshResult is RefreshDiscovery's return value.
type RefreshResult struct {
	NewlyAdopted int
	Cleaned      int
	Errors       []error
}

// OrphanResult is KillOrphans's return value.
type OrphanResult struct {
	Killed []int
	Errors []error
}

// HealthCheckResult is the one-shot HealthCheck's return value.
type HealthCheckResult struct {
	Healthy   []int
	Unhealthy []int
	Recovered []int
	PerPort   map[int]bool
}

// Registry is the Registry component.
type Registry struct {
	cfg       *config.Config
	lifecycle *lifecycle.Engine
	disc      *discovery.Discoverer
	inspect   *port.Inspector
	bus       *events.Bus
	log       *logx.Logger

	store *fileStore // registry-mutex + on-disk persistence, see persistence.go

	instances map[int]*Instance // port -> instance, in-memory mirror of store
	lockFile  *advisoryLock
}

// New constructs a Registry backed by a JSON file at registryPath. On
// startup the file is loaded, every entry's pid is probed for liveness, and
// dead entries are dropped before any client call is served.
func New(cfg *config.Config, lc *lifecycle.Engine, disc *discovery.Discoverer, inspector *port.Inspector, bus *events.Bus, registryPath string) (*Registry, error) {
	lock, err := acquireAdvisoryLock(registryPath + ".lock")
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.PersistenceFail, registryPath, "another controller holds the registry lock", err)
	}

	r := &Registry{
		cfg:       cfg,
		lifecycle: lc,
		disc:      disc,
		inspect:   inspector,
		bus:       bus,
		log:       logx.NewLogger("registry"),
		store:     newFileStore(registryPath),
		instances: make(map[int]*Instance),
		lockFile:  lock,
	}

	loaded, err := r.store.load()
	if err != nil {
		r.log.Warn("registry: failed to load %s, starting empty: %v", registryPath, err)
		loaded = nil
	}
	for _, inst := range loaded {
		if inspector.Alive(inst.PID) {
			r.instances[inst.Port] = inst
		}
	}
	if err := r.persistLocked(); err != nil {
		r.log.Warn("registry: failed to persist pruned startup state: %v", err)
	}

	return r, nil
}

// Close releases the advisory lock.
func (r *Registry) Close() error {
	return r.lockFile.release()
}

// SmartLaunch is C4's fusing entry point: it checks for a reusable running
// studio via discovery before falling back to a fresh lifecycle launch.
func (r *Registry) SmartLaunch(ctx context.Context, projectPath, projectName string, requestedPort int, forceNewPort bool) (*LaunchOutcome, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if forceNewPort || requestedPort > 0 {
		// The user's intent is authoritative: stop whatever currently
		// occupies the requested port, and stop any other tracked instance
		// of this same project so it isn't left running on its old port.
		stopPorts := map[int]bool{}
		if _, ok := r.instances[requestedPort]; ok {
			stopPorts[requestedPort] = true
		}
		if projectPath != "" {
			for p, inst := range r.instances {
				if inst.ProjectPath == projectPath {
					stopPorts[p] = true
				}
			}
		}
		for p := range stopPorts {
			r.stopLocked(ctx, p)
		}
		return r.launchAndPersistLocked(ctx, projectPath, projectName, requestedPort, true)
	}

	if projectName != "" {
		if found := r.disc.FindBest(ctx, projectName); found != nil {
			if _, tracked := r.instances[found.Port]; !tracked {
				inst, err := r.adoptLocked(found, projectPath, projectName)
				if err != nil {
					return nil, err
				}
				return &LaunchOutcome{Instance: *inst, WasReused: true}, nil
			}
			inst := r.instances[found.Port]
			return &LaunchOutcome{Instance: *inst, WasReused: true}, nil
		}
	} else {
		if found := r.disc.FindBest(ctx, ""); found != nil {
			if _, tracked := r.instances[found.Port]; !tracked {
				inst, err := r.adoptLocked(found, projectPath, found.ProjectHint)
				if err != nil {
					return nil, err
				}
				return &LaunchOutcome{Instance: *inst, WasReused: true}, nil
			}
			inst := r.instances[found.Port]
			return &LaunchOutcome{Instance: *inst, WasReused: true}, nil
		}
	}

	meta, _ := loadProjectMetadata(projectPath)
	preferred := 0
	if meta != nil {
		preferred = meta.LastPort
	}
	return r.launchAndPersistLocked(ctx, projectPath, projectName, preferred, false)
}

func (r *Registry) launchAndPersistLocked(ctx context.Context, projectPath, projectName string, preferredPort int, forceNew bool) (*LaunchOutcome, error) {
	res, err := r.lifecycle.Launch(ctx, lifecycle.LaunchParams{
		ProjectPath:   projectPath,
		PreferredPort: preferredPort,
		ForceNew:      forceNew,
		Timeout:       60 * time.Second,
		Validate:      true,
	})
	if err != nil {
		return nil, err
	}

	name := projectName
	if name == "" {
		name = defaultProjectName(projectPath)
	}

	inst := &Instance{
		PID:         res.PID,
		Port:        res.Port,
		ProjectPath: projectPath,
		ProjectName: name,
		StartTime:   time.Now(),
		Status:      StatusRunning,
		URL:         res.URL,
	}
	inst.StartTimeMS = inst.StartTime.UnixMilli()
	r.instances[inst.Port] = inst

	if err := r.persistLocked(); err != nil {
		r.log.Warn("registry: persistence failure after launch, retaining in-memory state: %v", err)
	}

	if err := writeProjectMetadata(projectPath, name, inst.Port); err != nil {
		r.log.Warn("registry: failed to write project metadata for %s: %v", projectPath, err)
	}

	r.bus.Publish(events.Event{Name: events.StudioLaunched, Source: "registry", Port: inst.Port, Payload: inst})

	return &LaunchOutcome{Instance: *inst, WasReused: false}, nil
}

// Adopt brings an externally launched studio under management without
// respawning it. Refuses if the port is already tracked.
func (r *Registry) Adopt(discovered *discovery.DiscoveredStudio, projectPath, projectName string) (*Instance, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.adoptLocked(discovered, projectPath, projectName)
}

func (r *Registry) adoptLocked(discovered *discovery.DiscoveredStudio, projectPath, projectName string) (*Instance, error) {
	if _, tracked := r.instances[discovered.Port]; tracked {
		return nil, fleeterr.New(fleeterr.PersistenceFail, fmt.Sprintf("%d", discovered.Port), "port already tracked, refusing duplicate adoption")
	}

	name := projectName
	if name == "" {
		name = discovered.ProjectHint
	}

	inst := &Instance{
		PID:         discovered.PIDHint, // HTTP-only discovery yields pid=0, a documented sentinel
		Port:        discovered.Port,
		ProjectPath: projectPath,
		ProjectName: name,
		StartTime:   time.Now(),
		Status:      StatusRunning,
		URL:         fmt.Sprintf("http://127.0.0.1:%d", discovered.Port),
	}
	inst.StartTimeMS = inst.StartTime.UnixMilli()
	r.instances[inst.Port] = inst

	if err := r.persistLocked(); err != nil {
		r.log.Warn("registry: persistence failure after adopt: %v", err)
	}

	r.bus.Publish(events.Event{Name: events.StudioAdopted, Source: "registry", Port: inst.Port, Payload: inst})
	return inst, nil
}

// Stop asks the Lifecycle Engine to shut down port and removes the entry.
func (r *Registry) Stop(ctx context.Context, portNum int) bool {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.stopLocked(ctx, portNum)
}

func (r *Registry) stopLocked(ctx context.Context, portNum int) bool {
	inst, ok := r.instances[portNum]
	if !ok {
		return false
	}

	res := r.lifecycle.Shutdown(ctx, lifecycle.ShutdownParams{Port: portNum, PID: inst.PID, Force: false})
	killed := len(res.Killed) > 0

	delete(r.instances, portNum)
	if err := r.persistLocked(); err != nil {
		r.log.Warn("registry: persistence failure after stop: %v", err)
	}
	r.bus.Publish(events.Event{Name: events.StudioStopped, Source: "registry", Port: portNum, Payload: inst})
	return killed
}

// Restart stops the instance at port and relaunches the same project on the
// same port.
func (r *Registry) Restart(ctx context.Context, portNum int) (*LaunchOutcome, error) {
	r.store.mu.Lock()
	inst, ok := r.instances[portNum]
	if !ok {
		r.store.mu.Unlock()
		return nil, fleeterr.New(fleeterr.ProcessGone, fmt.Sprintf("%d", portNum), "no tracked instance at that port")
	}
	projectPath, projectName := inst.ProjectPath, inst.ProjectName
	r.stopLocked(ctx, portNum)
	r.store.mu.Unlock()

	return r.SmartLaunch(ctx, projectPath, projectName, portNum, true)
}

// Instances returns a snapshot of every tracked instance, pruning any whose
// pid is no longer alive.
func (r *Registry) Instances() []Instance {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.pruneDeadLocked()

	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	return out
}

// Instance returns the tracked instance at port, or nil.
func (r *Registry) Instance(portNum int) *Instance {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.pruneDeadLocked()
	if inst, ok := r.instances[portNum]; ok {
		cp := *inst
		return &cp
	}
	return nil
}

func (r *Registry) pruneDeadLocked() {
	changed := false
	for p, inst := range r.instances {
		if inst.PID != 0 && !r.inspect.Alive(inst.PID) {
			delete(r.instances, p)
			changed = true
			r.bus.Publish(events.Event{Name: events.StudioStopped, Source: "registry", Port: p, Payload: inst})
		}
	}
	if changed {
		if err := r.persistLocked(); err != nil {
			r.log.Warn("registry: persistence failure after prune: %v", err)
		}
	}
}

// RefreshDiscovery runs a full reconciliation pass: newly discovered,
// unmanaged studios are adopted, and dead tracked entries are cleaned.
func (r *Registry) RefreshDiscovery(ctx context.Context) RefreshResult {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var result RefreshResult
	before := len(r.instances)
	r.pruneDeadLocked()
	result.Cleaned = before - len(r.instances)

	found := r.disc.Discover(ctx, r.cfg.MinPort, r.cfg.MaxPort)
	for _, d := range found {
		if _, tracked := r.instances[d.Port]; tracked {
			continue
		}
		d := d
		if _, err := r.adoptLocked(&d, "", d.ProjectHint); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.NewlyAdopted++
	}
	return result
}

// KillOrphans kills responders that discovery sees but the registry does
// not track.
func (r *Registry) KillOrphans(ctx context.Context) OrphanResult {
	r.store.mu.Lock()
	tracked := make(map[int]bool, len(r.instances))
	for p := range r.instances {
		tracked[p] = true
	}
	r.store.mu.Unlock()

	var result OrphanResult
	found := r.disc.Discover(ctx, r.cfg.MinPort, r.cfg.MaxPort)
	for _, d := range found {
		if tracked[d.Port] {
			continue
		}
		rec, err := r.inspect.Inspect(d.Port)
		if err != nil || rec == nil {
			continue
		}
		ok, err := r.inspect.Kill(d.Port, rec.HolderPID, false)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if ok {
			result.Killed = append(result.Killed, rec.HolderPID)
		}
	}
	return result
}

// HealthCheck does a one-shot HTTP probe of every tracked entry through the
// discovery service's identification probe, separate from the continuous
// Health Monitor (C5), which sends its own HEAD probe on a timer.
func (r *Registry) HealthCheck(ctx context.Context) HealthCheckResult {
	r.store.mu.Lock()
	ports := make([]int, 0, len(r.instances))
	for p := range r.instances {
		ports = append(ports, p)
	}
	r.store.mu.Unlock()

	result := HealthCheckResult{PerPort: make(map[int]bool, len(ports))}
	for _, p := range ports {
		healthy := r.disc.Identify(ctx, p) != nil
		result.PerPort[p] = healthy
		if healthy {
			result.Healthy = append(result.Healthy, p)
		} else {
			result.Unhealthy = append(result.Unhealthy, p)
		}
	}
	return result
}

func (r *Registry) persistLocked() error {
	list := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		list = append(list, inst)
	}
	return r.store.save(list)
}

func defaultProjectName(projectPath string) string {
	if projectPath == "" {
		return ""
	}
	for i := len(projectPath) - 1; i >= 0; i-- {
		if projectPath[i] == '/' || projectPath[i] == '\\' {
			return projectPath[i+1:]
		}
	}
	return projectPath
}
