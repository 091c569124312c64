package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// registryDocument is the on-disk shape of the registry file.
type registryDocument struct {
	LastUpdated string             `json:"last_updated"`
	Instances   []registryDocEntry `json:"instances"`
}

type registryDocEntry struct {
	PID         int    `json:"pid"`
	Port        int    `json:"port"`
	ProjectPath string `json:"project_path"`
	ProjectName string `json:"project_name"`
	StartTime   int64  `json:"start_time"`
	Status      string `json:"status"`
	URL         string `json:"url"`
}

// fileStore owns the registry mutex (the single logical critical section:
// within one smart_launch call, discovery -> stop -> spawn -> persist is
// strictly serial) and the on-disk JSON document.
type fileStore struct {
	mu   sync.Mutex
	path string
}

func newFileStore(path string) *fileStore {
	return &fileStore{path: path}
}

// load reads the registry file. A missing file yields an empty registry,
// not an error — a fresh machine simply hasn't launched anything yet.
func (s *fileStore) load() ([]*Instance, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: corrupt registry file: %w", err)
	}

	out := make([]*Instance, 0, len(doc.Instances))
	for _, e := range doc.Instances {
		out = append(out, &Instance{
			PID:         e.PID,
			Port:        e.Port,
			ProjectPath: e.ProjectPath,
			ProjectName: e.ProjectName,
			StartTime:   time.UnixMilli(e.StartTime),
			StartTimeMS: e.StartTime,
			Status:      e.Status,
			URL:         e.URL,
		})
	}
	return out, nil
}

// save rewrites the registry file atomically: write to a temp file in the
// same directory, then rename over the target. Crash-safe: readers never
// observe a partially written file.
func (s *fileStore) save(instances []*Instance) error {
	doc := registryDocument{
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Instances:   make([]registryDocEntry, 0, len(instances)),
	}
	for _, inst := range instances {
		doc.Instances = append(doc.Instances, registryDocEntry{
			PID:         inst.PID,
			Port:        inst.Port,
			ProjectPath: inst.ProjectPath,
			ProjectName: inst.ProjectName,
			StartTime:   inst.StartTimeMS,
			Status:      inst.Status,
			URL:         inst.URL,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".studio-registry-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.path)
}

// projectMetadata is the per-project sidecar document.
type projectMetadata struct {
	ProjectName  string `json:"project_name"`
	ProjectPath  string `json:"project_path"`
	CreatedPort  int    `json:"created_port"`
	LastPort     int    `json:"last_port"`
	LastLaunched string `json:"last_launched"`
}

func metadataPath(projectPath string) string {
	return filepath.Join(projectPath, ".studio-metadata.json")
}

func loadProjectMetadata(projectPath string) (*projectMetadata, error) {
	if projectPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(metadataPath(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta projectMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// writeProjectMetadata updates (or creates) the project's sidecar file.
// last_port is only ever overwritten by a successful launch; created_port is
// set once, on first write.
func writeProjectMetadata(projectPath, projectName string, assignedPort int) error {
	if projectPath == "" {
		return nil
	}

	meta, err := loadProjectMetadata(projectPath)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &projectMetadata{
			ProjectName: projectName,
			ProjectPath: projectPath,
			CreatedPort: assignedPort,
		}
	}
	meta.LastPort = assignedPort
	meta.LastLaunched = time.Now().UTC().Format(time.RFC3339)
	if meta.ProjectName == "" {
		meta.ProjectName = projectName
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(metadataPath(projectPath))
	tmp, err := os.CreateTemp(dir, ".studio-metadata-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, metadataPath(projectPath))
}
