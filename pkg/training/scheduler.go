package training

import "math"

// StepLR decays the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	StepSize int
	Gamma    float64
}

// NewStepLR falls back to a step of 5 epochs and a gamma of 0.5 for
// out-of-range arguments.
func NewStepLR(stepSize int, gamma float64) StepLR {
	if stepSize <= 0 {
		stepSize = 5
	}
	if gamma <= 0 || gamma > 1 {
		gamma = 0.5
	}
	return StepLR{StepSize: stepSize, Gamma: gamma}
}

// LR returns the learning rate for a zero-based epoch.
func (s StepLR) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}
