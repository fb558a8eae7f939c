package dataset

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tsawler/go-latentsep/latent"
	"github.com/tsawler/go-latentsep/tensor"
)

// Encoder turns a waveform batch [B,1,T] into latents [B,C,F]
type Encoder interface {
	Encode(wave *tensor.Tensor) (*tensor.Tensor, error)
}

// SynthOptions describes a synthetic corpus for smoke runs
type SynthOptions struct {
	Examples   int
	NSpk       int
	SampleRate int
	SegmentSec float64
	Seed       int64
	HalfLatent bool // Store latents as binary16
}

// Synthesize writes a corpus of harmonic sources under dir: mixture WAVs, one
// latent per source produced by enc, and a manifest.csv tying them together.
// It returns the manifest path.
func Synthesize(dir string, opts SynthOptions, enc Encoder) (string, error) {
	if opts.Examples <= 0 || opts.NSpk <= 0 {
		return "", fmt.Errorf("need a positive number of examples and speakers, got %d and %d", opts.Examples, opts.NSpk)
	}
	length := ManifestOptions{SampleRate: opts.SampleRate, SegmentSec: opts.SegmentSec}.Segment()
	if length <= 0 {
		return "", fmt.Errorf("segment of %.3fs at %d Hz is empty", opts.SegmentSec, opts.SampleRate)
	}

	for _, sub := range []string{"mix", "latents"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	header := []string{"mixture_path"}
	for s := 1; s <= opts.NSpk; s++ {
		header = append(header, fmt.Sprintf("s%d_latent", s))
	}
	records := [][]string{header}

	for i := 0; i < opts.Examples; i++ {
		mixture := make([]float32, length)
		record := []string{filepath.Join("mix", fmt.Sprintf("ex%04d.wav", i))}

		for s := 0; s < opts.NSpk; s++ {
			source := harmonicSource(rng, length, opts.SampleRate, 0.8/float32(opts.NSpk))
			for k, v := range source {
				mixture[k] += v
			}

			wave, err := tensor.New([]int{1, 1, length}, source)
			if err != nil {
				return "", err
			}
			z, err := enc.Encode(wave)
			if err != nil {
				return "", fmt.Errorf("failed to encode source %d of example %d: %w", s, i, err)
			}

			rel := filepath.Join("latents", fmt.Sprintf("ex%04d_s%d.lat", i, s+1))
			if err := latent.Save(filepath.Join(dir, rel), z, opts.HalfLatent); err != nil {
				return "", err
			}
			record = append(record, rel)
		}

		if err := WriteWAV(filepath.Join(dir, record[0]), mixture, opts.SampleRate); err != nil {
			return "", err
		}
		records = append(records, record)
	}

	manifest := filepath.Join(dir, "manifest.csv")
	f, err := os.Create(manifest)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: failed to write manifest: %w", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	return manifest, nil
}

// harmonicSource draws a decaying tone with two overtones and light noise
func harmonicSource(rng *rand.Rand, n, sampleRate int, amplitude float32) []float32 {
	f0 := 100 + rng.Float64()*300
	phase := rng.Float64() * 2 * math.Pi
	decay := 0.5 + rng.Float64()*2

	out := make([]float32, n)
	for k := range out {
		t := float64(k) / float64(sampleRate)
		v := math.Sin(2*math.Pi*f0*t+phase) +
			0.5*math.Sin(4*math.Pi*f0*t+phase) +
			0.25*math.Sin(6*math.Pi*f0*t+phase)
		v *= math.Exp(-decay * t)
		v += 0.02 * rng.NormFloat64()
		out[k] = amplitude * float32(v/1.75)
	}
	return out
}

// WriteWAV stores mono samples in [-1, 1] as 16-bit PCM
func WriteWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	data := make([]int, len(samples))
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		data[i] = int(v * 32767)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("%w: failed to encode %s: %w", ErrIO, path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("%w: failed to finalise %s: %w", ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}
