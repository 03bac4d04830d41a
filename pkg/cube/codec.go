// Package cube decodes raw hyperspectral captures into SpectralCubes.
//
// The on-disk layout is a flat run of little-endian uint16 samples ordered
// band-major, then row-major, then column-major:
//
//	offset = band*height*width + row*width + column
//
// Decoding re-lays the samples out pixel-major (see models.SpectralCube) and
// hands the buffer to the caller, which owns it exclusively.
package cube

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"hsiclassify/internal/errs"
	"hsiclassify/internal/models"
)

// Decode reads the cube at path and validates its byte length against the
// declared geometry. A length mismatch is reported as *errs.FormatError.
func Decode(path string, height, width, bands int) (*models.SpectralCube, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading cube %s", path)
	}
	return DecodeBytes(path, raw, height, width, bands)
}

// DecodeBytes decodes an in-memory raw buffer.
func DecodeBytes(name string, raw []byte, height, width, bands int) (*models.SpectralCube, error) {
	if height <= 0 || width <= 0 || bands <= 0 {
		return nil, errors.Errorf("invalid cube geometry %s for %s", errs.Shape(bands, height, width), name)
	}

	expected := bands * height * width * models.SampleBytes
	if len(raw) != expected {
		return nil, &errs.FormatError{
			Path:     name,
			Expected: fmt.Sprintf("%d bytes (%s band x row x column)", expected, errs.Shape(bands, height, width)),
			Detected: fmt.Sprintf("%d bytes", len(raw)),
		}
	}

	cube := models.NewSpectralCube(bands, height, width)
	plane := height * width
	for band := 0; band < bands; band++ {
		src := raw[band*plane*models.SampleBytes:]
		for p := 0; p < plane; p++ {
			cube.Data[p*bands+band] = binary.LittleEndian.Uint16(src[p*models.SampleBytes:])
		}
	}
	return cube, nil
}

// InferBands derives the band count of a raw file from its size, for
// captures whose configuration does not record it.
func InferBands(path string, height, width int) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "stat cube %s", path)
	}
	plane := int64(height * width * models.SampleBytes)
	if plane <= 0 || info.Size() == 0 || info.Size()%plane != 0 {
		return 0, &errs.FormatError{
			Path:     path,
			Expected: fmt.Sprintf("a multiple of %d bytes (%s row x column)", plane, errs.Shape(height, width)),
			Detected: fmt.Sprintf("%d bytes", info.Size()),
		}
	}
	return int(info.Size() / plane), nil
}

// Encode writes cube to w in the raw band-major layout.
func Encode(w io.Writer, cube *models.SpectralCube) error {
	bw := bufio.NewWriter(w)
	var buf [models.SampleBytes]byte
	plane := cube.PixelCount()
	for band := 0; band < cube.Bands; band++ {
		for p := 0; p < plane; p++ {
			binary.LittleEndian.PutUint16(buf[:], cube.Data[p*cube.Bands+band])
			if _, err := bw.Write(buf[:]); err != nil {
				return errors.Wrap(err, "writing cube")
			}
		}
	}
	return bw.Flush()
}

// WriteFile encodes cube to path, creating parent directories.
func WriteFile(path string, cube *models.SpectralCube) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := Encode(f, cube); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
