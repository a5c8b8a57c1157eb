// Package store persists executions and their side data under a single data
// directory:
//
//	executions/<id>.json  flow definition + execution snapshot
//	executions/<id>.lock  advisory lock held while a process rewrites the snapshot
//	logs/<id>.log         task logbook
//	metrics/<id>.json     metric entries
//	storage/<id>/...      files produced by tasks
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/logbook"
)

// ErrNotFound is returned when no execution with the requested id exists.
var ErrNotFound = errors.New("store: execution not found")

const (
	executionsDir = "executions"
	logsDir       = "logs"
	metricsDir    = "metrics"
	storageDir    = "storage"
)

// Record is the persisted unit: an execution together with the flow it runs.
type Record struct {
	Flow      flow.Flow            `json:"flow"`
	Execution *execution.Execution `json:"execution"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	return Record{Flow: r.Flow.Clone(), Execution: r.Execution.Clone()}
}

// Metric is one recorded measurement of a task run.
type Metric struct {
	TaskRunID string    `json:"task_run_id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository stores records as JSON files rooted at a data directory.
type Repository struct {
	root string

	mu       sync.Mutex
	logbooks map[string]*logbook.Logbook
}

// NewRepository creates a repository rooted at dir, creating it if needed.
func NewRepository(dir string) (*Repository, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("store: data dir is required")
	}
	for _, sub := range []string{executionsDir, logsDir, metricsDir, storageDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: ensure %s: %w", sub, err)
		}
	}
	return &Repository{root: dir, logbooks: make(map[string]*logbook.Logbook)}, nil
}

// Root returns the data directory.
func (r *Repository) Root() string { return r.root }

// Load reads the record of execution id.
func (r *Repository) Load(id string) (Record, error) {
	if err := checkID(id); err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(r.executionPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, fmt.Errorf("store: read %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("store: decode %s: %w", id, err)
	}
	if rec.Execution == nil {
		return Record{}, fmt.Errorf("store: record %s has no execution", id)
	}
	return rec, nil
}

// Save writes the record through a temp file and rename.
func (r *Repository) Save(rec Record) error {
	if rec.Execution == nil {
		return fmt.Errorf("store: record has no execution")
	}
	id := rec.Execution.ID
	if err := checkID(id); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", id, err)
	}
	return writeFileAtomic(r.executionPath(id), append(encoded, '\n'))
}

// Lock takes the advisory file lock of execution id. Every process that loads,
// changes and saves a record holds it for the whole sequence, so a "run" and a
// "serve" process sharing the data directory cannot overwrite each other.
// The returned func releases the lock.
func (r *Repository) Lock(id string) (func(), error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	fl := flock.New(r.lockPath(id))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("store: lock %s: %w", id, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// List returns every stored record ordered by execution start date.
func (r *Repository) List() ([]Record, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, executionsDir))
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := r.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Execution.State.StartDate(), records[j].Execution.State.StartDate()
		if a.Equal(b) {
			return records[i].Execution.ID < records[j].Execution.ID
		}
		return a.Before(b)
	})
	return records, nil
}

// Logbook returns the task log of execution id.
func (r *Repository) Logbook(id string) (*logbook.Logbook, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if book, ok := r.logbooks[id]; ok {
		return book, nil
	}
	book, err := logbook.New(filepath.Join(r.root, logsDir, id+".log"))
	if err != nil {
		return nil, err
	}
	r.logbooks[id] = book
	return book, nil
}

// PutFile stores data as storage/<id>/<name>. name may contain subdirectories
// but must stay inside the execution's storage directory.
func (r *Repository) PutFile(id, name string, data []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("store: invalid file name %q", name)
	}
	path := filepath.Join(r.storagePath(id), clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: ensure storage dir: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Files lists the storage files of execution id, relative and slash separated.
func (r *Repository) Files(id string) ([]string, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	base := r.storagePath(id)
	var files []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list files of %s: %w", id, err)
	}
	sort.Strings(files)
	return files, nil
}

// AppendMetrics adds entries to the metrics file of execution id.
func (r *Repository) AppendMetrics(id string, metrics ...Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.readMetrics(id)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(append(existing, metrics...), "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode metrics: %w", err)
	}
	return writeFileAtomic(r.metricsPath(id), append(encoded, '\n'))
}

// Metrics returns the recorded metrics of execution id.
func (r *Repository) Metrics(id string) ([]Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readMetrics(id)
}

func (r *Repository) readMetrics(id string) ([]Metric, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.metricsPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read metrics: %w", err)
	}
	var metrics []Metric
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, fmt.Errorf("store: decode metrics: %w", err)
	}
	return metrics, nil
}

func (r *Repository) executionPath(id string) string {
	return filepath.Join(r.root, executionsDir, id+".json")
}

func (r *Repository) lockPath(id string) string {
	return filepath.Join(r.root, executionsDir, id+".lock")
}

func (r *Repository) metricsPath(id string) string {
	return filepath.Join(r.root, metricsDir, id+".json")
}

func (r *Repository) storagePath(id string) string {
	return filepath.Join(r.root, storageDir, id)
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("store: invalid execution id %q", id)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
