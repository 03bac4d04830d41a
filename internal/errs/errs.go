// Package errs defines the failure taxonomy shared by the decode, alignment,
// checkpoint and inference stages. Every error names the offending file and
// the detected versus expected shape so a failed run can be diagnosed from
// the message alone.
package errs

import "fmt"

// FormatError reports a raw cube whose byte length does not match its
// declared dimensions.
type FormatError struct {
	Path     string
	Expected string
	Detected string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error in %s: expected %s, detected %s", e.Path, e.Expected, e.Detected)
}

// ShapeMismatchError reports label/cube geometry disagreement.
type ShapeMismatchError struct {
	Path     string
	Expected string
	Detected string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch in %s: expected %s, detected %s", e.Path, e.Expected, e.Detected)
}

// UnknownCodeError reports a label value outside the configured class domain.
type UnknownCodeError struct {
	Path   string
	Code   uint8
	Domain string
}

func (e *UnknownCodeError) Error() string {
	return fmt.Sprintf("unknown label code %d in %s (domain %s)", e.Code, e.Path, e.Domain)
}

// CheckpointIncompatibleError reports a parameter whose name or shape does
// not match the model it is being loaded into. Nothing is assigned when it
// is returned.
type CheckpointIncompatibleError struct {
	Path     string
	Key      string
	Expected string
	Detected string
}

func (e *CheckpointIncompatibleError) Error() string {
	return fmt.Sprintf("checkpoint %s incompatible at %q: expected %s, detected %s", e.Path, e.Key, e.Expected, e.Detected)
}

// ModelLoadError reports a classifier whose input band count does not match
// the cube being classified.
type ModelLoadError struct {
	Path     string
	Expected int
	Detected int
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model %s expects %d input bands, cube provides %d after trim", e.Path, e.Expected, e.Detected)
}

// Shape formats dimensions as "AxBxC".
func Shape(dims ...int) string {
	s := ""
	for i, d := range dims {
		if i > 0 {
			s += "x"
		}
		s += fmt.Sprint(d)
	}
	return s
}
