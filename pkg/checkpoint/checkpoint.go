// Package checkpoint persists trained classifiers.
//
// A checkpoint carries the architecture, every named parameter and buffer,
// the best accuracy seen so far and training bookkeeping. Two encodings are
// supported and chosen by file extension: ".json" is human-readable JSON,
// anything else is a compact protobuf wire-format record. Writes replace
// the file atomically so a concurrent reader always sees the last complete
// checkpoint.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"hsiclassify/internal/errs"
	"hsiclassify/pkg/network"
)

// CompiledPrefix is prepended to parameter names by the model-compilation
// wrapper of the legacy trainer. It is stripped on load.
const CompiledPrefix = "_orig_mod."

// Framework identifies checkpoints written by this module.
const Framework = "hsiclassify"

// Version of the checkpoint layout.
const Version = "1"

// Format selects the on-disk encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "binary"
	default:
		return "Unknown"
	}
}

// FormatFor picks the encoding from the file extension.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatBinary
}

// Checkpoint is a complete classifier snapshot.
type Checkpoint struct {
	Architecture  network.Architecture      `json:"architecture"`
	Parameters    map[string]network.Tensor `json:"parameters"`
	BestAccuracy  float64                   `json:"best_accuracy"`
	OptimizerStep int                       `json:"optimizer_step,omitempty"`
	LearningRate  float64                   `json:"learning_rate,omitempty"`
	Metadata      Metadata                  `json:"metadata"`

	// OptimizerState holds the optimizer's moment estimates so a resumed
	// run continues the same update trajectory
	OptimizerState map[string]network.Tensor `json:"optimizer_state,omitempty"`
}

// Metadata describes when and by which run a checkpoint was written.
type Metadata struct {
	RunID     string    `json:"run_id"`
	Epoch     int       `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
	Framework string    `json:"framework"`
	Version   string    `json:"version"`
}

// FromModel snapshots model.
func FromModel(model *network.Model, bestAccuracy float64) *Checkpoint {
	return &Checkpoint{
		Architecture: model.Architecture(),
		Parameters:   model.State(),
		BestAccuracy: bestAccuracy,
		Metadata: Metadata{
			CreatedAt: time.Now().UTC(),
			Framework: Framework,
			Version:   Version,
		},
	}
}

// Save writes c to path in the format implied by its extension. The data
// goes to a temporary file in the same directory which is synced and then
// renamed over path.
func Save(c *Checkpoint, path string) error {
	var (
		data []byte
		err  error
	)
	switch FormatFor(path) {
	case FormatJSON:
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encoding checkpoint")
		}
	default:
		data = encodeBinary(c)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary checkpoint in %s", dir)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errors.Wrapf(err, "writing checkpoint %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrapf(err, "syncing checkpoint %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "closing checkpoint %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "replacing checkpoint %s", path)
	}
	return nil
}

// Load reads a checkpoint and strips CompiledPrefix from parameter names.
// A missing file yields an error matching os.ErrNotExist.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}

	c := &Checkpoint{}
	switch FormatFor(path) {
	case FormatJSON:
		if err := json.Unmarshal(data, c); err != nil {
			return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
		}
	default:
		if c, err = decodeBinary(data); err != nil {
			return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
		}
	}
	c.Parameters = StripCompiledPrefix(c.Parameters)
	return c, nil
}

// Exists reports whether a checkpoint file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// StripCompiledPrefix removes CompiledPrefix from every key that carries it.
func StripCompiledPrefix(params map[string]network.Tensor) map[string]network.Tensor {
	out := make(map[string]network.Tensor, len(params))
	for name, t := range params {
		out[strings.TrimPrefix(name, CompiledPrefix)] = t
	}
	return out
}

// Restore loads the checkpoint parameters into model. Incompatibility is
// reported as *errs.CheckpointIncompatibleError naming path, and the model
// is left untouched.
func Restore(model *network.Model, c *Checkpoint, path string) error {
	err := model.LoadState(c.Parameters)
	var ce *errs.CheckpointIncompatibleError
	if errors.As(err, &ce) {
		ce.Path = path
	}
	return err
}

// Build reconstructs a model from the architecture stored in c.
func Build(c *Checkpoint, path string) (*network.Model, error) {
	model, err := network.New(c.Architecture, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "rebuilding model from %s", path)
	}
	if err := Restore(model, c, path); err != nil {
		return nil, err
	}
	return model, nil
}
