package labels

import (
	"bufio"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"hsiclassify/internal/models"
)

// Discrepancy codes emitted by Reconcile. A mismatch is encoded as
// canonical*10 + offset, where canonical is 1 for Cloud, 2 for Land, 3 for
// Sea and 4 for Snow, and offset is the position of the observed name among
// the remaining classes in Cloud, Land, Sea, Snow order.
const (
	Match           = 0
	SnowMatch       = 45
	UnrecognizedTag = 99
)

// Discrepancy compares one raw code of an observed header against the
// canonical header order.
type Discrepancy struct {
	Code      uint8
	Canonical string
	Observed  string
	Value     int
}

// AuditReport is the result of auditing one label file.
type AuditReport struct {
	LabelPath     string
	HeaderPath    string
	Observed      map[uint8]string
	Domain        Domain
	Discrepancies []Discrepancy
}

// Consistent reports whether every class matched the canonical order.
func (r *AuditReport) Consistent() bool {
	for _, d := range r.Discrepancies {
		if d.Value != Match && d.Value != SnowMatch {
			return false
		}
	}
	return true
}

// Values returns the discrepancy codes in ascending raw-code order.
func (r *AuditReport) Values() []int {
	out := make([]int, len(r.Discrepancies))
	for i, d := range r.Discrepancies {
		out[i] = d.Value
	}
	return out
}

// HeaderPath returns the companion header of a label file: "x.dat" -> "x.hdr".
func HeaderPath(labelPath string) string {
	return strings.TrimSuffix(labelPath, ".dat") + ".hdr"
}

// ParseHeaderClassNames returns the class names listed on the header line
// that mentions "Unclassified", with the Unclassified entry itself removed.
func ParseHeaderClassNames(hdrPath string) ([]string, error) {
	f, err := os.Open(hdrPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening header %s", hdrPath)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "Unclassified") {
			continue
		}
		if i := strings.Index(line, "{"); i >= 0 {
			line = line[i+1:]
		} else if i := strings.Index(line, "="); i >= 0 {
			line = line[i+1:]
		}
		line = strings.TrimSuffix(strings.TrimSpace(line), "}")

		var names []string
		for _, part := range strings.Split(line, ",") {
			name := strings.TrimSpace(part)
			if name == "" || strings.EqualFold(name, "Unclassified") {
				continue
			}
			names = append(names, name)
		}
		return names, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading header %s", hdrPath)
	}
	return nil, errors.Errorf("header %s has no class name line", hdrPath)
}

// ObservedMapping zips the ascending unique codes of a raster with the
// header class names. Extra codes or names are left unpaired.
func ObservedMapping(codes []uint8, names []string) map[uint8]string {
	sorted := append([]uint8(nil), codes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make(map[uint8]string, len(names))
	for i := 0; i < len(sorted) && i < len(names); i++ {
		out[sorted[i]] = names[i]
	}
	return out
}

var auditOrder = []string{"CLOUD", "LAND", "SEA", "SNOW"}

// discrepancyValue encodes one canonical/observed name pair.
func discrepancyValue(canonical, observed string, fourClass bool) int {
	c := strings.ToUpper(strings.TrimSpace(canonical))
	o := strings.ToUpper(strings.TrimSpace(observed))
	if c == o {
		if fourClass && o == "SNOW" {
			return SnowMatch
		}
		return Match
	}

	ci, oi := indexOf(auditOrder, c), indexOf(auditOrder, o)
	if ci < 0 || oi < 0 {
		return UnrecognizedTag
	}
	offset := oi
	if oi > ci {
		offset--
	}
	return (ci+1)*10 + offset
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// Reconcile compares an observed code -> name mapping against the canonical
// header order of the domain with the same class count. It returns one
// discrepancy per code present in both, in ascending code order. It never
// modifies label data.
func Reconcile(observed map[uint8]string) (Domain, []Discrepancy, error) {
	domain, err := DomainForClasses(len(observed))
	if err != nil {
		return Domain{}, nil, errors.Wrap(err, "reconciling header mapping")
	}
	canonical := domain.CanonicalNames()
	fourClass := domain.NumClasses() == 4

	var out []Discrepancy
	for _, code := range domain.SortedCodes() {
		name, ok := observed[code]
		if !ok {
			continue
		}
		out = append(out, Discrepancy{
			Code:      code,
			Canonical: canonical[code],
			Observed:  name,
			Value:     discrepancyValue(canonical[code], name, fourClass),
		})
	}
	return domain, out, nil
}

// AuditFile reads a label file and its companion header and reconciles the
// header's class order against the canonical one.
func AuditFile(labelPath string) (*AuditReport, error) {
	raw, err := os.ReadFile(labelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading labels %s", labelPath)
	}
	hdr := HeaderPath(labelPath)
	names, err := ParseHeaderClassNames(hdr)
	if err != nil {
		return nil, err
	}

	raster := &models.LabelRaster{Codes: raw, Height: 1, Width: len(raw)}
	observed := ObservedMapping(raster.UniqueCodes(), names)
	domain, discrepancies, err := Reconcile(observed)
	if err != nil {
		return nil, errors.Wrapf(err, "auditing %s", labelPath)
	}
	return &AuditReport{
		LabelPath:     labelPath,
		HeaderPath:    hdr,
		Observed:      observed,
		Domain:        domain,
		Discrepancies: discrepancies,
	}, nil
}
