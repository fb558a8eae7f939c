package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
)

// ErrIO marks failures reading manifests or mixture audio
var ErrIO = errors.New("dataset io")

// ManifestOptions controls how manifest rows become examples
type ManifestOptions struct {
	SampleRate int     // Expected mixture sample rate in Hz
	SegmentSec float64 // Mixtures are cropped or zero padded to this length
	NSpk       int     // Number of target latent columns per row
}

// Segment returns the fixed mixture length in samples
func (o ManifestOptions) Segment() int {
	return int(math.Round(o.SegmentSec * float64(o.SampleRate)))
}

// Manifest is a Dataset backed by a CSV file with a header row and columns
// mixture_path, s1_latent, ..., sN_latent. Relative paths are resolved
// against the manifest's directory.
type Manifest struct {
	path    string
	rows    [][]string
	options ManifestOptions
}

// LoadManifest parses the CSV manifest at path
func LoadManifest(path string, options ManifestOptions) (*Manifest, error) {
	if options.NSpk <= 0 {
		return nil, fmt.Errorf("speaker count must be positive, got %d", options.NSpk)
	}
	if options.Segment() <= 0 {
		return nil, fmt.Errorf("segment of %.3fs at %d Hz is empty", options.SegmentSec, options.SampleRate)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open manifest: %w", ErrIO, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read manifest header: %w", ErrIO, err)
	}
	if len(header) != 1+options.NSpk {
		return nil, fmt.Errorf("manifest %s has %d columns (%s), expected mixture plus %d latent columns",
			path, len(header), strings.Join(header, ","), options.NSpk)
	}

	base := filepath.Dir(path)
	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: manifest %s: %w", ErrIO, path, err)
		}
		for i, p := range record {
			if p == "" {
				return nil, fmt.Errorf("manifest %s row %d: empty column %s", path, len(rows)+1, header[i])
			}
			if !filepath.IsAbs(p) {
				record[i] = filepath.Join(base, p)
			}
		}
		rows = append(rows, record)
	}

	return &Manifest{
		path:    path,
		rows:    rows,
		options: options,
	}, nil
}

// Len returns the number of manifest rows
func (m *Manifest) Len() int {
	return len(m.rows)
}

// Get decodes the mixture of row idx and returns it with the row's latent paths
func (m *Manifest) Get(idx int) (Example, error) {
	if idx < 0 || idx >= len(m.rows) {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(m.rows))
	}
	row := m.rows[idx]

	mixture, err := ReadWAV(row[0], m.options.SampleRate)
	if err != nil {
		return Example{}, err
	}

	paths := make([]string, len(row)-1)
	copy(paths, row[1:])

	return Example{
		Mixture:     FitLength(mixture, m.options.Segment()),
		LatentPaths: paths,
	}, nil
}

// ReadWAV decodes a PCM WAV file into mono samples in [-1, 1).
// Multi-channel audio is averaged.
func ReadWAV(path string, sampleRate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not a valid wav file", ErrIO, path)
	}
	if sampleRate > 0 && int(decoder.SampleRate) != sampleRate {
		return nil, fmt.Errorf("%s: sample rate %d Hz, expected %d Hz", path, decoder.SampleRate, sampleRate)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %w", ErrIO, path, err)
	}

	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(decoder.BitDepth)
	}
	scale := float32(int64(1) << uint(bitDepth-1))

	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c])
		}
		out[i] = sum / float32(channels) / scale
	}
	return out, nil
}

// FitLength crops x to n samples from the start, or zero pads it to n
func FitLength(x []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, x)
	return out
}
