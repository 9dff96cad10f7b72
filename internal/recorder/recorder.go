package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MaxRotatedFiles = 3
	DefaultTraceDir = "data/traces"
)

// Event is one line of a trace file.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	RunID     string      `json:"run_id"`
	Type      string      `json:"type"`
	Domain    string      `json:"domain,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder appends toolkit operations to a JSONL trace, one file per server run.
// It satisfies browser.Tracer.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	runID    string
	written  int
	log      *zap.Logger
}

// NewRecorder creates the trace directory if needed.
func NewRecorder(basePath string, log *zap.Logger) (*Recorder, error) {
	if basePath == "" {
		basePath = DefaultTraceDir
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{basePath: basePath, log: log}, nil
}

// Start opens a new trace file, pruning old ones so at most MaxRotatedFiles
// remain. An empty runID gets a random one.
func (r *Recorder) Start(runID string) (string, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}
	if err := r.rotate(); err != nil {
		return "", fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%d_%s.jsonl", time.Now().UnixMilli(), runID)
	f, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return "", fmt.Errorf("create trace: %w", err)
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	r.runID = runID
	r.written = 0
	r.log.Info("trace recording started", zap.String("run_id", runID), zap.String("file", f.Name()))
	return runID, nil
}

// Log writes one event. It is a no-op before Start and after Close.
func (r *Recorder) Log(eventType, domain string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	err := r.encoder.Encode(Event{
		Timestamp: time.Now(),
		RunID:     r.runID,
		Type:      eventType,
		Domain:    domain,
		Data:      data,
	})
	if err != nil {
		r.log.Warn("trace write failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	r.written++
}

// RunID returns the id of the current trace.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// rotate deletes the oldest traces so that, with the file about to be
// created, at most MaxRotatedFiles remain. Traces are ordered by name, which
// starts with the creation time.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	var traces []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		traces = append(traces, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(traces)))

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		if err := os.Remove(filepath.Join(r.basePath, traces[i])); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.log.Info("trace recording closed", zap.String("run_id", r.runID), zap.Int("events", r.written))
	r.file = nil
	r.encoder = nil
	return err
}
