package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"studiofleet/internal/discovery"
	"studiofleet/internal/lifecycle"
	"studiofleet/internal/port"
	"studiofleet/pkg/config"
	"studiofleet/pkg/events"
)

func testProject(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0644))
	return dir
}

// scriptedSpawn drives readiness detection from a shell script's stdout and
// also binds a throwaway HTTP listener on the chosen port, standing in for
// the studio's own HTTP server: SmartLaunch always asks the Lifecycle Engine
// to validate a launch over HTTP, so a spawn stub that never answers on the
// port would fail validation no matter how its stdout reads.
func scriptedSpawn(t *testing.T, script string) func(ctx context.Context, projectPath string, portNum int) (*exec.Cmd, io.Reader, io.Reader, error) {
	return func(ctx context.Context, projectPath string, portNum int) (*exec.Cmd, io.Reader, io.Reader, error) {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", portNum))
		if err != nil {
			return nil, nil, nil, err
		}
		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})}
		go srv.Serve(ln)
		t.Cleanup(func() { srv.Close() })

		cmd := exec.CommandContext(ctx, "sh", "-c", script)
		cmd.Dir = projectPath
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			srv.Close()
			return nil, nil, nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			srv.Close()
			return nil, nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			srv.Close()
			return nil, nil, nil, err
		}
		return cmd, stdout, stderr, nil
	}
}

type testFleet struct {
	reg     *Registry
	backend *port.FakeBackend
	regPath string
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()
	cfg := config.Defaults()
	cfg.MinPort = 31000
	cfg.MaxPort = 31010
	cfg.MaxStartupAttempts = 1

	backend := port.NewFakeBackend()
	ins := port.New(cfg, backend)
	disc := discovery.New(cfg)
	bus := events.NewBus(16)
	eng := lifecycle.New(cfg, ins, disc, bus)
	eng.SetSpawnFunc(scriptedSpawn(t, "echo 'server running'; sleep 0.3"))

	regPath := filepath.Join(t.TempDir(), ".studio-registry.json")
	reg, err := New(cfg, eng, disc, ins, bus, regPath)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	return &testFleet{reg: reg, backend: backend, regPath: regPath}
}

func TestRegistryStartsEmpty(t *testing.T) {
	f := newTestFleet(t)
	require.Empty(t, f.reg.Instances())
}

func TestSmartLaunchColdLaunch(t *testing.T) {
	f := newTestFleet(t)
	proj := testProject(t, "alpha")

	outcome, err := f.reg.SmartLaunch(context.Background(), proj, "alpha", 0, false)
	require.NoError(t, err)
	require.False(t, outcome.WasReused)
	require.True(t, outcome.Port >= 31000 && outcome.Port <= 31010)
	require.Equal(t, StatusRunning, outcome.Status)

	inst := f.reg.Instance(outcome.Port)
	require.NotNil(t, inst)
	require.Equal(t, outcome.Port, inst.Port)

	data, err := os.ReadFile(f.regPath)
	require.NoError(t, err)
	var doc registryDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Instances, 1)
	require.Equal(t, outcome.Port, doc.Instances[0].Port)
}

func TestSmartLaunchForcedNewPortStopsPrevious(t *testing.T) {
	f := newTestFleet(t)
	proj := testProject(t, "alpha")

	first, err := f.reg.SmartLaunch(context.Background(), proj, "alpha", 0, false)
	require.NoError(t, err)
	f.backend.SetAlive(first.PID, true)

	second, err := f.reg.SmartLaunch(context.Background(), proj, "alpha", 31005, true)
	require.NoError(t, err)
	require.False(t, second.WasReused)
	require.Equal(t, 31005, second.Port)

	require.Nil(t, f.reg.Instance(first.Port))
	require.Len(t, f.reg.Instances(), 1)
}

func TestStopRemovesEntry(t *testing.T) {
	f := newTestFleet(t)
	proj := testProject(t, "alpha")

	outcome, err := f.reg.SmartLaunch(context.Background(), proj, "alpha", 0, false)
	require.NoError(t, err)
	f.backend.SetAlive(outcome.PID, true)

	ok := f.reg.Stop(context.Background(), outcome.Port)
	require.True(t, ok)
	require.Nil(t, f.reg.Instance(outcome.Port))
}

func TestAdoptRefusesDuplicatePort(t *testing.T) {
	f := newTestFleet(t)
	d := &discovery.DiscoveredStudio{Port: 31002, ProjectHint: "alpha"}

	_, err := f.reg.Adopt(d, "/p/alpha", "alpha")
	require.NoError(t, err)

	_, err = f.reg.Adopt(d, "/p/alpha", "alpha")
	require.Error(t, err, "second adoption of the same port must be refused")
	require.Len(t, f.reg.Instances(), 1)
}

func TestPersistenceRoundTrip(t *testing.T) {
	f := newTestFleet(t)
	proj := testProject(t, "alpha")

	outcome, err := f.reg.SmartLaunch(context.Background(), proj, "alpha", 0, false)
	require.NoError(t, err)
	f.backend.SetAlive(outcome.PID, true)

	store := newFileStore(f.regPath)
	loaded, err := store.load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, outcome.Port, loaded[0].Port)
	require.Equal(t, outcome.PID, loaded[0].PID)
}

// TestSmartLaunchWarmReuseMatchesAcrossNamingConventions exercises the
// reuse-stability law end to end: a studio already
// running under a title-cased, space-separated rendering of the project name
// must still be found and reused by a caller passing the hyphenated
// directory-style name, and a second SmartLaunch call for the same project
// must land on the exact same port and pid rather than spawning again.
func TestSmartLaunchWarmReuseMatchesAcrossNamingConventions(t *testing.T) {
	f := newTestFleet(t)
	ctx := context.Background()

	const reusePort = 31007
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", reusePort))
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>My Cool Project</title></head><body>remotion</body></html>`))
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	first, err := f.reg.SmartLaunch(ctx, "/projects/my-cool-project", "my-cool-project", 0, false)
	require.NoError(t, err)
	require.True(t, first.WasReused, "a responding studio matching the project's tokens should be adopted, not spawned")
	require.Equal(t, reusePort, first.Port)

	second, err := f.reg.SmartLaunch(ctx, "/projects/my-cool-project", "my-cool-project", 0, false)
	require.NoError(t, err)
	require.True(t, second.WasReused, "a second call for the same project must reuse, not spawn a new instance")
	require.Equal(t, first.Port, second.Port, "reuse must be port-stable across calls")
	require.Equal(t, first.PID, second.PID)

	require.Len(t, f.reg.Instances(), 1)
}

func TestInstancesPrunesDeadPID(t *testing.T) {
	f := newTestFleet(t)
	proj := testProject(t, "alpha")

	outcome, err := f.reg.SmartLaunch(context.Background(), proj, "alpha", 0, false)
	require.NoError(t, err)

	// Simulate an external kill: pid is no longer alive in the backend.
	f.backend.SetAlive(outcome.PID, false)

	require.Empty(t, f.reg.Instances())
}
