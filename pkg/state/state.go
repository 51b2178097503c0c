package state

import (
	"encoding/json"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/strata-data/strata/pkg/executor"
)

var version = "dev"

// Status of a single load within a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// LoadResult is the persisted outcome of one load.
type LoadResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Metadata struct {
	Version string `json:"version"`
	OS      string `json:"os"`
}

// State is the summary of a whole run, written next to the pipeline definition
// so that the last outcome is inspectable after the process exits.
type State struct {
	mu sync.RWMutex

	RunID      string            `json:"run_id"`
	Pipeline   string            `json:"pipeline"`
	Parameters map[string]string `json:"parameters"`
	Metadata   Metadata          `json:"metadata"`
	Results    []*LoadResult     `json:"results"`
	Timestamp  time.Time         `json:"timestamp"`
}

func NewState(pipelineName string, parameters map[string]string) *State {
	return &State{
		RunID:      uuid.New().String(),
		Pipeline:   pipelineName,
		Parameters: parameters,
		Metadata: Metadata{
			Version: version,
			OS:      runtime.GOOS,
		},
		Results:   []*LoadResult{},
		Timestamp: time.Now().UTC(),
	}
}

// Record folds an execution result into the summary.
func (s *State) Record(res *executor.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &LoadResult{
		Name:     res.Load.Name,
		Status:   StatusSucceeded,
		Duration: res.Duration,
	}
	if res.Error != nil {
		result.Status = StatusFailed
		result.Error = res.Error.Error()
	}

	s.Results = append(s.Results, result)
}

// Failed reports how many loads in the run did not succeed.
func (s *State) Failed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	failed := 0
	for _, res := range s.Results {
		if res.Status == StatusFailed {
			failed++
		}
	}

	return failed
}

// Save writes the summary as JSON into dir.
func (s *State) Save(fs afero.Fs, dir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize the run state")
	}

	path := filepath.Join(dir, "run_"+s.RunID+".json")
	if err := afero.WriteFile(fs, path, content, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write the run state to %s", path)
	}

	return nil
}
