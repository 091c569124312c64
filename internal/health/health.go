// Package health implements the Health Monitor (C5): periodic HTTP health
// probes of registry entries, failure counting, and bounded auto-recovery
// via the Lifecycle Engine and Registry.
//
// The sweep/ticker/bounded-recovery shape is grounded in the orchestrator's
// internal/supervisor package: a goroutine loop on a ticker (there,
// pollAPIHealth on a 30s interval broadcasting restore signals to suspended
// agents; here, performCheck on CHECK_INTERVAL driving a per-port recovery
// queue), generalized from "poll until every agent's API is healthy" to
// "poll every tracked port independently, with per-port failure counters
// and a bounded recovery budget" — the health domain genuinely needs
// per-entity state the original's single broadcast channel didn't.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"studiofleet/internal/fleeterr"
	"studiofleet/internal/lifecycle"
	"studiofleet/internal/registry"
	"studiofleet/pkg/config"
	"studiofleet/pkg/events"
	"studiofleet/pkg/logx"
)

// Record is the in-memory health record for one tracked port.
type Record struct {
	Port                int
	PID                 int
	ProjectPath         string
	IsHealthy           bool
	LastCheck           time.Time
	ConsecutiveFailures int
	ResponseTimeMS      int
	RecoveryAttempts    int
	LastRecoveryAttempt time.Time
	LastError           string
}

// recoveryEntry is one pending entry in the recovery queue.
type recoveryEntry struct {
	port          int
	attempts      int
	nextAttemptAt time.Time
}

// Report is the return value of Report(): a sweep summary.
type Report struct {
	Healthy   []int
	Unhealthy []int
	Total     int
}

// Monitor is the Health Monitor component.
type Monitor struct {
	cfg  *config.Config
	reg  *registry.Registry
	life *lifecycle.Engine
	bus  *events.Bus
	log  *logx.Logger

	client *http.Client

	mu      sync.Mutex
	records map[int]*Record
	queue   map[int]*recoveryEntry

	running    bool
	cancelFunc context.CancelFunc
	sweepDone  chan struct{}
	sweepingMu sync.Mutex // serializes perform_check so sweeps never overlap
}

// New constructs a Health Monitor. cfg's CheckIntervalMS, HTTPTimeoutMS,
// FailureThreshold, AutoRecover, MaxRecoveryAttempts and RecoveryDelayMS
// drive the sweep.
func New(cfg *config.Config, reg *registry.Registry, life *lifecycle.Engine, bus *events.Bus) *Monitor {
	return &Monitor{
		cfg:     cfg,
		reg:     reg,
		life:    life,
		bus:     bus,
		log:     logx.NewLogger("health"),
		client:  &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutMS) * time.Millisecond},
		records: make(map[int]*Record),
		queue:   make(map[int]*recoveryEntry),
	}
}

// Start begins the periodic sweep. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	m.running = true
	m.sweepDone = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop halts the sweep loop. Idempotent. Drains the in-flight sweep
// (bounded by HTTP_TIMEOUT) before returning.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancelFunc
	done := m.sweepDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.sweepDone)

	interval := time.Duration(m.cfg.CheckIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Non-overlapping sweeps: a long sweep defers the next tick
			// rather than running concurrently with it.
			m.PerformCheck(ctx)
		}
	}
}

// PerformCheck runs one sweep: fetch instances, drop stale records, probe
// each tracked port, emit transition events, and process the recovery
// queue. May be called directly by tests instead of waiting on the ticker.
func (m *Monitor) PerformCheck(ctx context.Context) {
	m.sweepingMu.Lock()
	defer m.sweepingMu.Unlock()

	instances := m.reg.Instances()
	tracked := make(map[int]registry.Instance, len(instances))
	for _, inst := range instances {
		tracked[inst.Port] = inst
	}

	m.mu.Lock()
	for port := range m.records {
		if _, ok := tracked[port]; !ok {
			delete(m.records, port)
			delete(m.queue, port)
		}
	}
	for port, inst := range tracked {
		if _, ok := m.records[port]; !ok {
			m.records[port] = &Record{Port: port, PID: inst.PID, ProjectPath: inst.ProjectPath, IsHealthy: true}
		}
	}
	m.mu.Unlock()

	for port, inst := range tracked {
		m.probeOne(ctx, port, inst)
	}

	m.processRecoveryQueue(ctx)

	report := m.Report()
	m.bus.Publish(events.Event{Name: events.HealthCheck, Source: "health", Payload: report})
}

func (m *Monitor) probeOne(ctx context.Context, portNum int, inst registry.Instance) {
	reqCtx, cancel := context.WithTimeout(ctx, m.client.Timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/", portNum)
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)

	start := time.Now()
	resp, err := m.client.Do(req)
	healthy := err == nil
	if healthy {
		defer resp.Body.Close()
		healthy = resp.StatusCode >= 200 && resp.StatusCode < 500
	}

	m.mu.Lock()
	rec, ok := m.records[portNum]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.LastCheck = time.Now()
	rec.ResponseTimeMS = int(time.Since(start).Milliseconds())

	wasHealthy := rec.IsHealthy
	crossedThreshold := false

	if healthy {
		rec.ConsecutiveFailures = 0
		rec.IsHealthy = true
		rec.LastError = ""
	} else {
		rec.ConsecutiveFailures++
		if err != nil {
			rec.LastError = err.Error()
		} else {
			rec.LastError = fmt.Sprintf("unhealthy status %d", resp.StatusCode)
		}
		if rec.ConsecutiveFailures >= m.cfg.FailureThreshold {
			if rec.IsHealthy {
				crossedThreshold = true
			}
			rec.IsHealthy = false
		}
	}
	m.mu.Unlock()

	if crossedThreshold {
		m.log.Warn("health: port %d crossed failure threshold (%d consecutive failures)", portNum, m.cfg.FailureThreshold)
		m.bus.Publish(events.Event{Name: events.StudioUnhealthy, Source: "health", Port: portNum, Payload: rec})
		if m.cfg.AutoRecover {
			m.enqueueRecovery(portNum)
		}
	}
	if !wasHealthy && healthy {
		m.clearRecovery(portNum)
		m.bus.Publish(events.Event{Name: events.StudioRecovered, Source: "health", Port: portNum, Payload: rec})
	}
}

func (m *Monitor) enqueueRecovery(portNum int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[portNum]; ok {
		return
	}
	m.queue[portNum] = &recoveryEntry{
		port:          portNum,
		nextAttemptAt: time.Now().Add(time.Duration(m.cfg.RecoveryDelayMS) * time.Millisecond),
	}
}

func (m *Monitor) clearRecovery(portNum int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, portNum)
	if rec, ok := m.records[portNum]; ok {
		rec.RecoveryAttempts = 0
	}
}

func (m *Monitor) processRecoveryQueue(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	due := make([]int, 0)
	for port, entry := range m.queue {
		if !now.Before(entry.nextAttemptAt) {
			due = append(due, port)
		}
	}
	m.mu.Unlock()

	// Recovery attempts for the same port are serialized (by this
	// sequential loop); different ports may recover in parallel, but this
	// simpler sequential sweep already satisfies the serialization
	// invariant and keeps a single sweep's wall-clock bounded and
	// deterministic for tests.
	for _, port := range due {
		m.attemptRecovery(ctx, port)
	}
}

// TriggerRecovery enqueues port for immediate recovery, bypassing the
// normal failure-threshold crossing. No studioctl command calls it.
func (m *Monitor) TriggerRecovery(port int) {
	m.mu.Lock()
	m.queue[port] = &recoveryEntry{port: port, nextAttemptAt: time.Time{}}
	m.mu.Unlock()
}

// AttemptRecovery stops and relaunches the studio at port, applying the
// same attempt-budget and quarantine rules as the automatic sweep.
func (m *Monitor) AttemptRecovery(ctx context.Context, port int) error {
	return m.attemptRecovery(ctx, port)
}

func (m *Monitor) attemptRecovery(ctx context.Context, port int) error {
	m.mu.Lock()
	rec, ok := m.records[port]
	if !ok {
		m.mu.Unlock()
		return fleeterr.New(fleeterr.ProcessGone, fmt.Sprintf("%d", port), "no health record for port")
	}
	if rec.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts {
		delete(m.queue, port)
		m.mu.Unlock()
		m.bus.Publish(events.Event{Name: events.RecoveryFailed, Source: "health", Port: port, Payload: "quarantined"})
		return fleeterr.New(fleeterr.RecoveryExhausted, fmt.Sprintf("%d", port), "recovery attempts exhausted, entry quarantined")
	}
	projectPath := rec.ProjectPath
	m.mu.Unlock()

	shutdownRes := m.life.Shutdown(ctx, lifecycle.ShutdownParams{Port: port, Force: false})
	if len(shutdownRes.Killed) == 0 {
		m.life.Shutdown(ctx, lifecycle.ShutdownParams{Port: port, Force: true})
	}

	time.Sleep(200 * time.Millisecond) // brief wait for the port to be released

	if projectPath == "" {
		return m.recordRecoveryFailure(port, fleeterr.New(fleeterr.RecoveryExhausted, fmt.Sprintf("%d", port), "no project_path on record, cannot relaunch"))
	}

	res, err := m.life.Launch(ctx, lifecycle.LaunchParams{
		ProjectPath:   projectPath,
		PreferredPort: port,
		ForceNew:      true,
		Validate:      true,
		Timeout:       30 * time.Second,
	})
	if err != nil {
		return m.recordRecoveryFailure(port, err)
	}

	m.mu.Lock()
	rec.PID = res.PID
	rec.IsHealthy = true
	rec.ConsecutiveFailures = 0
	rec.RecoveryAttempts = 0
	delete(m.queue, port)
	m.mu.Unlock()

	m.bus.Publish(events.Event{Name: events.StudioRecovered, Source: "health", Port: port, Payload: res})
	return nil
}

func (m *Monitor) recordRecoveryFailure(port int, cause error) error {
	m.mu.Lock()
	rec, ok := m.records[port]
	if ok {
		rec.RecoveryAttempts++
		rec.LastRecoveryAttempt = time.Now()
		rec.LastError = cause.Error()
	}
	// Re-enqueue with a fresh delay rather than retrying immediately; the
	// next due time is picked up by a later sweep.
	m.queue[port] = &recoveryEntry{
		port:          port,
		attempts:      ifRec(rec),
		nextAttemptAt: time.Now().Add(time.Duration(m.cfg.RecoveryDelayMS) * time.Millisecond),
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{Name: events.RecoveryFailed, Source: "health", Port: port, Payload: cause.Error()})
	return fleeterr.Wrap(fleeterr.RecoveryExhausted, fmt.Sprintf("%d", port), "recovery attempt failed", cause)
}

func ifRec(rec *Record) int {
	if rec == nil {
		return 0
	}
	return rec.RecoveryAttempts
}

// Reset clears the quarantine/failure state for port so auto-recovery can
// resume. Intended for operator use after a manual fix.
func (m *Monitor) Reset(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[port]; ok {
		rec.RecoveryAttempts = 0
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
	}
	delete(m.queue, port)
}

// GetStatus returns a snapshot of the health record for port, or all
// records if port is 0.
func (m *Monitor) GetStatus(port int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if port != 0 {
		if rec, ok := m.records[port]; ok {
			return []Record{*rec}
		}
		return nil
	}

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// Report summarizes the current sweep state.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{Total: len(m.records)}
	for port, rec := range m.records {
		if rec.IsHealthy {
			r.Healthy = append(r.Healthy, port)
		} else {
			r.Unhealthy = append(r.Unhealthy, port)
		}
	}
	return r
}
