package training

import (
	"fmt"
	"strings"
)

// ConfusionMatrix counts predictions as Matrix[true][predicted].
type ConfusionMatrix struct {
	Classes []string
	Matrix  [][]int
	Total   int
}

// NewConfusionMatrix creates an empty matrix over the named classes.
func NewConfusionMatrix(classes []string) *ConfusionMatrix {
	m := make([][]int, len(classes))
	for i := range m {
		m[i] = make([]int, len(classes))
	}
	return &ConfusionMatrix{Classes: append([]string(nil), classes...), Matrix: m}
}

// Add records predictions against labels. Out-of-range pairs are ignored.
func (cm *ConfusionMatrix) Add(labels, predictions []int) {
	k := len(cm.Classes)
	for i, truth := range labels {
		pred := predictions[i]
		if truth < 0 || truth >= k || pred < 0 || pred >= k {
			continue
		}
		cm.Matrix[truth][pred]++
		cm.Total++
	}
}

// Merge adds the counts of other, which must have the same classes.
func (cm *ConfusionMatrix) Merge(other *ConfusionMatrix) {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] += other.Matrix[i][j]
		}
	}
	cm.Total += other.Total
}

// Accuracy is the fraction of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.Total == 0 {
		return 0
	}
	correct := 0
	for i := range cm.Matrix {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.Total)
}

// ClassMetrics are the one-vs-rest scores of one class.
type ClassMetrics struct {
	Class     string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// PerClass returns precision, recall and F1 per class. A score with an
// empty denominator is 0.
func (cm *ConfusionMatrix) PerClass() []ClassMetrics {
	out := make([]ClassMetrics, len(cm.Classes))
	for c, name := range cm.Classes {
		tp := cm.Matrix[c][c]
		predicted, actual := 0, 0
		for o := range cm.Classes {
			predicted += cm.Matrix[o][c]
			actual += cm.Matrix[c][o]
		}
		m := ClassMetrics{Class: name, Support: actual}
		if predicted > 0 {
			m.Precision = float64(tp) / float64(predicted)
		}
		if actual > 0 {
			m.Recall = float64(tp) / float64(actual)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		out[c] = m
	}
	return out
}

// MacroF1 averages F1 over classes that have support.
func (cm *ConfusionMatrix) MacroF1() float64 {
	sum, n := 0.0, 0
	for _, m := range cm.PerClass() {
		if m.Support > 0 {
			sum += m.F1
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// String renders the matrix and per-class report as a text table.
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-10s", "true\\pred")
	for _, name := range cm.Classes {
		fmt.Fprintf(&sb, " %10s", name)
	}
	sb.WriteString("\n")
	for i, row := range cm.Matrix {
		fmt.Fprintf(&sb, "%-10s", cm.Classes[i])
		for _, v := range row {
			fmt.Fprintf(&sb, " %10d", v)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%-10s %10s %10s %10s %10s\n", "class", "precision", "recall", "f1", "support")
	for _, m := range cm.PerClass() {
		fmt.Fprintf(&sb, "%-10s %10.4f %10.4f %10.4f %10d\n", m.Class, m.Precision, m.Recall, m.F1, m.Support)
	}
	fmt.Fprintf(&sb, "accuracy %.4f over %d pixels\n", cm.Accuracy(), cm.Total)
	return sb.String()
}
