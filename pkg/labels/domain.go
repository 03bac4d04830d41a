// Package labels loads per-pixel label rasters, validates them against cube
// geometry and remaps raw sensor codes to zero-based class indices.
//
// Class indices follow one canonical order regardless of the raw domain a
// raster was captured in: Cloud=0, Land=1, Sea=2, Snow=3. The 3-class raw
// domain {1:Cloud, 2:Land, 3:Sea} maps by subtracting one; the 4-class raw
// domain {1:Snow, 2:Cloud, 3:Land, 4:Sea} maps through an explicit table so a
// class index means the same surface in both.
package labels

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"hsiclassify/internal/models"
)

// Class is a zero-based class index in the canonical order.
type Class uint8

const (
	Cloud Class = iota
	Land
	Sea
	Snow
)

// ClassNames lists class names indexed by Class.
var ClassNames = []string{"Cloud", "Land", "Sea", "Snow"}

func (c Class) String() string {
	if int(c) < len(ClassNames) {
		return ClassNames[c]
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Names returns the class names for a classifier with n outputs.
func Names(n int) []string {
	if n > len(ClassNames) {
		n = len(ClassNames)
	}
	return append([]string(nil), ClassNames[:n]...)
}

// Domain maps the raw 1-based codes of a capture session to class indices.
type Domain struct {
	Name  string
	Codes map[uint8]Class
}

// ThreeClass is the raw domain {1:Cloud, 2:Land, 3:Sea}.
var ThreeClass = Domain{
	Name:  "3-class",
	Codes: map[uint8]Class{1: Cloud, 2: Land, 3: Sea},
}

// FourClass is the raw domain {1:Snow, 2:Cloud, 3:Land, 4:Sea}.
var FourClass = Domain{
	Name:  "4-class",
	Codes: map[uint8]Class{1: Snow, 2: Cloud, 3: Land, 4: Sea},
}

// NumClasses returns the number of classes in the domain.
func (d Domain) NumClasses() int {
	return len(d.Codes)
}

// CanonicalNames returns the raw code -> class name header order.
func (d Domain) CanonicalNames() map[uint8]string {
	out := make(map[uint8]string, len(d.Codes))
	for code, class := range d.Codes {
		out[code] = class.String()
	}
	return out
}

// SortedCodes returns the raw codes of the domain in ascending order.
func (d Domain) SortedCodes() []uint8 {
	codes := make([]uint8, 0, len(d.Codes))
	for code := range d.Codes {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// DomainByName resolves "3", "3-class", "4", "4-class".
func DomainByName(name string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "3", "3-class", "three":
		return ThreeClass, nil
	case "4", "4-class", "four":
		return FourClass, nil
	}
	return Domain{}, errors.Errorf("unknown label domain %q", name)
}

// DomainForClasses returns the domain with n classes.
func DomainForClasses(n int) (Domain, error) {
	switch n {
	case 3:
		return ThreeClass, nil
	case 4:
		return FourClass, nil
	}
	return Domain{}, errors.Errorf("no label domain with %d classes", n)
}

// DetectDomain picks the domain from the observed unique codes: four
// distinct codes, or any code above 3, selects the 4-class domain.
func DetectDomain(raster *models.LabelRaster) Domain {
	codes := raster.UniqueCodes()
	if len(codes) >= 4 || (len(codes) > 0 && codes[len(codes)-1] > 3) {
		return FourClass
	}
	return ThreeClass
}
