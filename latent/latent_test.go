package latent

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-latentsep/tensor"
)

func randomLatent(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal(rng, shape, 0, 1)
	if err != nil {
		t.Fatalf("Failed to create latent: %v", err)
	}
	return x
}

func TestEncodeDecode(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randomLatent(t, rng, 1, 4, 10)

	t.Run("fp32 is exact", func(t *testing.T) {
		got, err := Decode(Encode(x, false))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !tensor.SameShape(x, got) {
			t.Fatalf("Shape mismatch: %v vs %v", x.Shape, got.Shape)
		}
		for i := range x.Data {
			if x.Data[i] != got.Data[i] {
				t.Fatalf("Element %d: expected %f, got %f", i, x.Data[i], got.Data[i])
			}
		}
	})

	t.Run("fp16 is close and smaller", func(t *testing.T) {
		full := Encode(x, false)
		half := Encode(x, true)
		if len(half) >= len(full) {
			t.Errorf("Expected half encoding to be smaller: %d vs %d bytes", len(half), len(full))
		}
		got, err := Decode(half)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		for i := range x.Data {
			if math.Abs(float64(x.Data[i]-got.Data[i])) > 1e-2 {
				t.Fatalf("Element %d: expected ~%f, got %f", i, x.Data[i], got.Data[i])
			}
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, err := Decode([]byte{0x0a, 0x05, 0x01}); err == nil {
			t.Error("Expected error for truncated input")
		}
		if _, err := Decode(nil); err == nil {
			t.Error("Expected error for empty input")
		}
	})
}

func TestReadNormalisesShape(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(2))

	flat := randomLatent(t, rng, 4, 6)
	path := filepath.Join(dir, "a", "s1.lat")
	if err := Save(path, flat, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Dim() != 3 || got.Shape[0] != 1 || got.Shape[1] != 4 || got.Shape[2] != 6 {
		t.Errorf("Expected [1 4 6], got %v", got.Shape)
	}

	batched := randomLatent(t, rng, 2, 4, 6)
	bad := filepath.Join(dir, "bad.lat")
	if err := Save(bad, batched, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := Read(bad); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for batched latent, got %v", err)
	}

	if _, err := Read(filepath.Join(dir, "missing.lat")); !errors.Is(err, ErrIO) {
		t.Errorf("Expected ErrIO for missing file, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.lat")
	_ = os.WriteFile(garbage, []byte{0xff, 0xff}, 0644)
	if _, err := Read(garbage); !errors.Is(err, ErrIO) {
		t.Errorf("Expected ErrIO for corrupt file, got %v", err)
	}
}

func TestCacheEviction(t *testing.T) {
	cache := NewCache(2)
	a, _ := tensor.Zeros(1)
	b, _ := tensor.Zeros(1)
	c, _ := tensor.Zeros(1)

	cache.Put("a", a)
	cache.Put("b", b)
	if _, ok := cache.Get("a"); !ok {
		t.Fatal("Expected a to be cached")
	}
	cache.Put("c", c)

	if _, ok := cache.Get("b"); ok {
		t.Error("Expected b to be evicted as least recently used")
	}
	if got, ok := cache.Get("a"); !ok || got != a {
		t.Error("Expected a to survive eviction")
	}
	if cache.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", cache.Len())
	}

	stats := cache.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("Unexpected stats: %s", stats)
	}

	disabled := NewCache(0)
	disabled.Put("a", a)
	if disabled.Len() != 0 {
		t.Error("Disabled cache must not store entries")
	}
}

func TestStoreLoadAll(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(3))

	var paths []string
	for i := 0; i < 6; i++ {
		p := filepath.Join(dir, fmt.Sprintf("l%d.lat", i))
		x := randomLatent(t, rng, 1, 2, 3)
		x.Data[0] = float32(i)
		if err := Save(p, x, false); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		paths = append(paths, p)
	}

	store := NewStore(16)
	got, err := store.LoadAll(paths)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	for i, x := range got {
		if x.Data[0] != float32(i) {
			t.Errorf("Latent %d out of order: first element %f", i, x.Data[0])
		}
	}

	if _, err := store.LoadAll(paths); err != nil {
		t.Fatalf("Second LoadAll failed: %v", err)
	}
	if stats := store.Stats(); stats.Hits != 6 {
		t.Errorf("Expected 6 cache hits on second pass, got %d", stats.Hits)
	}

	if _, err := store.LoadAll(append(paths, filepath.Join(dir, "missing.lat"))); !errors.Is(err, ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
}

func TestStack(t *testing.T) {
	// Two examples, two speakers; values encode (example, speaker)
	var latents []*tensor.Tensor
	for b := 0; b < 2; b++ {
		for s := 0; s < 2; s++ {
			x, _ := tensor.Full([]int{1, 2, 3}, float32(10*b+s))
			latents = append(latents, x)
		}
	}

	speakers, err := Stack(latents, 2)
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if len(speakers) != 2 {
		t.Fatalf("Expected 2 speaker tensors, got %d", len(speakers))
	}
	for s, x := range speakers {
		if x.Shape[0] != 2 || x.Shape[1] != 2 || x.Shape[2] != 3 {
			t.Errorf("Speaker %d: expected [2 2 3], got %v", s, x.Shape)
		}
		for b := 0; b < 2; b++ {
			v, _ := x.At(b, 0, 0)
			if v != float32(10*b+s) {
				t.Errorf("Speaker %d example %d: expected %d, got %f", s, b, 10*b+s, v)
			}
		}
	}

	if _, err := Stack(latents[:3], 2); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for ragged input, got %v", err)
	}

	odd, _ := tensor.Zeros(1, 2, 4)
	if _, err := Stack([]*tensor.Tensor{latents[0], odd}, 2); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for differing frames, got %v", err)
	}
}
