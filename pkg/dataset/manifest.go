package dataset

import (
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// Entry is one row of a dataset manifest. PreviewPath is optional.
type Entry struct {
	LabelPath   string `csv:"dat_files"`
	CubePath    string `csv:"bip_files"`
	PreviewPath string `csv:"png_files"`
}

// ReadManifest reads a manifest CSV. Relative paths are resolved against the
// manifest's own directory.
func ReadManifest(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %s", path)
	}
	defer f.Close()

	var entries []Entry
	if err := gocsv.UnmarshalFile(f, &entries); err != nil {
		return nil, errors.Wrapf(err, "parsing manifest %s", path)
	}

	base := filepath.Dir(path)
	for i := range entries {
		e := &entries[i]
		e.LabelPath = resolve(base, e.LabelPath)
		e.CubePath = resolve(base, e.CubePath)
		e.PreviewPath = resolve(base, e.PreviewPath)
		if e.LabelPath == "" || e.CubePath == "" {
			return nil, errors.Errorf("manifest %s row %d needs both dat_files and bip_files", path, i+1)
		}
	}
	return entries, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func relativize(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return p
	}
	absPath, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil {
		return absPath
	}
	return rel
}

// WriteManifest writes entries to path, creating parent directories.
// Relative paths are taken as relative to the working directory and are
// rewritten relative to the manifest's directory, so ReadManifest resolves
// them back to the same files.
func WriteManifest(path string, entries []Entry) error {
	base := filepath.Dir(path)
	if err := os.MkdirAll(base, 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	rows := make([]Entry, len(entries))
	for i, e := range entries {
		rows[i] = Entry{
			LabelPath:   relativize(base, e.LabelPath),
			CubePath:    relativize(base, e.CubePath),
			PreviewPath: relativize(base, e.PreviewPath),
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating manifest %s", path)
	}
	defer f.Close()

	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return errors.Wrapf(err, "writing manifest %s", path)
	}
	return nil
}

// Split divides entries into a training and an evaluation part. The first
// max(1, int(n*fraction)) entries train; a single entry always trains.
func Split(entries []Entry, fraction float64) (train, eval []Entry, err error) {
	if fraction <= 0 || fraction > 1 {
		return nil, nil, errors.Errorf("split fraction %g outside (0, 1]", fraction)
	}
	n := len(entries)
	if n <= 1 {
		return append([]Entry(nil), entries...), nil, nil
	}
	idx := int(float64(n) * fraction)
	if idx < 1 {
		idx = 1
	}
	train = append([]Entry(nil), entries[:idx]...)
	eval = append([]Entry(nil), entries[idx:]...)
	return train, eval, nil
}
