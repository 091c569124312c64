// Package discovery implements Process Discovery (C2): scanning a port
// range, HTTP-probing each port, and classifying responders as Remotion
// studios. Discovery is strictly read-only — it never binds to or mutates
// the host, only issues short-timeout HTTP GETs (grounded in the
// connectWithRetries / isServerRunning health-probe pattern used by the
// gasoline dev-console reference).
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"studiofleet/pkg/config"
	"studiofleet/pkg/logx"
)

// Discovery methods a responder can be found by.
const (
	MethodHTTPScan      = "http-scan"
	MethodOSEnumeration = "os-enumeration"
)

// bodyMarkers is the fixed set of tokens that classify a response as a
// Remotion studio: a studio-specific token, a known bundler signature, a UI
// framework signature, and a composition-related token.
var bodyMarkers = []string{
	"remotion",           // studio-specific
	"webpack-dev-server", // bundler signature
	"vite",               // bundler signature
	"react-refresh",      // UI framework signature
	"composition",        // composition-related token
}

var titlePattern = regexp.MustCompile(`<title>([^<]+)</title>`)

// DiscoveredStudio is C2's ephemeral output; it is never persisted, only
// handed to a caller that decides whether to adopt or ignore it.
type DiscoveredStudio struct {
	Port            int
	PIDHint         int
	Responding      bool
	ResponseTimeMS  int
	ProjectHint     string
	Body            string // response sample, retained so reuse matching can re-scan it
	DiscoveryMethod string
}

// Discoverer is the Process Discovery component.
type Discoverer struct {
	cfg        *config.Config
	client     *http.Client
	avoidPorts map[int]bool
	userAgent  string
	log        *logx.Logger
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithAvoidPorts sets ports skipped without probing (e.g. well-known
// Windows local-service collisions that aren't worth the round trip).
func WithAvoidPorts(ports ...int) Option {
	return func(d *Discoverer) {
		for _, p := range ports {
			d.avoidPorts[p] = true
		}
	}
}

// WithProbeTimeout overrides the per-port HTTP timeout (default 2s).
func WithProbeTimeout(d time.Duration) Option {
	return func(dd *Discoverer) { dd.client.Timeout = d }
}

// New constructs a Discoverer scoped to cfg's port range.
func New(cfg *config.Config, opts ...Option) *Discoverer {
	d := &Discoverer{
		cfg:        cfg,
		client:     &http.Client{Timeout: 2 * time.Second},
		avoidPorts: make(map[int]bool),
		userAgent:  "studio-fleet-controller/1.0",
		log:        logx.NewLogger("discovery"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover scans [from, to] (inclusive), probing every non-avoided port
// concurrently, and returns every responder found.
func (d *Discoverer) Discover(ctx context.Context, from, to int) []DiscoveredStudio {
	var (
		mu      sync.Mutex
		results []DiscoveredStudio
		wg      sync.WaitGroup
	)

	for p := from; p <= to; p++ {
		if d.avoidPorts[p] {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ds := d.Identify(ctx, p); ds != nil {
				mu.Lock()
				results = append(results, *ds)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return results
}

// Identify probes a single port and returns a DiscoveredStudio if it is a
// responding Remotion studio, or nil otherwise (unreachable port, or a
// responder that fails classification).
func (d *Discoverer) Identify(ctx context.Context, portNum int) *DiscoveredStudio {
	reqCtx, cancel := context.WithTimeout(ctx, d.client.Timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/", portNum)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", d.userAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil // unreachable port: NoOp
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 500 {
		return nil
	}

	body, _ := readSample(resp.Body, 8192)
	lower := strings.ToLower(body)

	matched := false
	for _, marker := range bodyMarkers {
		if strings.Contains(lower, marker) {
			matched = true
			break
		}
	}
	if !matched {
		return nil // bound but answering with something other than a studio
	}

	return &DiscoveredStudio{
		Port:            portNum,
		Responding:      true,
		ResponseTimeMS:  int(elapsed.Milliseconds()),
		ProjectHint:     extractProjectHint(body),
		Body:            body,
		DiscoveryMethod: MethodHTTPScan,
	}
}

// FindBest returns the discovered studio that best matches preferredProject,
// or — absent a match — the "youngest" responder, taken to mean the highest
// port (newer studios are conventionally assigned higher ports as the range
// fills up).
//
// Matching is token-based rather than exact-string, so a project directory
// named "my-cool-project" still finds a studio whose page title renders as
// "My Cool Project" or "my_cool_project": GenerateTokens expands
// preferredProject into every separator/casing/word-order variant worth
// trying, and MatchesAny scans each candidate's response body for any of
// them. When more than one responder matches, the lowest port wins — the
// fleet's convention is that a project's first studio claims the lowest
// available port in its range, so ties favor the longest-lived instance.
func (d *Discoverer) FindBest(ctx context.Context, preferredProject string) *DiscoveredStudio {
	found := d.Discover(ctx, d.cfg.MinPort, d.cfg.MaxPort)
	if len(found) == 0 {
		return nil
	}

	if preferredProject != "" {
		tokens := GenerateTokens(preferredProject)
		var best *DiscoveredStudio
		for i := range found {
			if !MatchesAny(found[i].Body, tokens) {
				continue
			}
			if best == nil || found[i].Port < best.Port {
				best = &found[i]
			}
		}
		if best != nil {
			return best
		}
	}

	youngest := found[0]
	for _, f := range found[1:] {
		if f.Port > youngest.Port {
			youngest = f
		}
	}
	return &youngest
}

func readSample(r io.Reader, max int64) (string, error) {
	var sb strings.Builder
	_, err := io.Copy(&sb, bufio.NewReader(io.LimitReader(r, max)))
	return sb.String(), err
}

func extractProjectHint(body string) string {
	m := titlePattern.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	title := strings.TrimSpace(m[1])
	// Strip a trailing "- Remotion Studio" or similar suffix if present so
	// the hint is just the project name.
	if idx := strings.Index(title, " - "); idx > 0 {
		title = title[:idx]
	}
	return title
}
