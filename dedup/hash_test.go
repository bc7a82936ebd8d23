package dedup

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTestImage(t *testing.T, path string, seed uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(x*4) ^ seed
			img.Set(x, y, color.RGBA{R: v, G: uint8(y * 4), B: seed, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
}

func TestComputeDeterministic(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	writeTestImage(t, a, 0)
	writeTestImage(t, b, 0)

	h := NewPerceptionHasher()
	hashA, err := h.Compute(a)
	if err != nil {
		t.Fatalf("Compute(a) failed: %v", err)
	}
	hashB, err := h.Compute(b)
	if err != nil {
		t.Fatalf("Compute(b) failed: %v", err)
	}
	if hashA != hashB {
		t.Errorf("identical images hashed differently: %s vs %s", hashA, hashB)
	}
	if len(hashA) != 16 {
		t.Errorf("hash %q is not 16 hex chars", hashA)
	}

	d, err := h.Distance(hashA, hashB)
	if err != nil {
		t.Fatalf("Distance failed: %v", err)
	}
	if d != 0 {
		t.Errorf("Distance between identical hashes = %g, want 0", d)
	}
}

func TestDistanceNormalized(t *testing.T) {
	h := NewPerceptionHasher()

	cases := []struct {
		a, b string
		want float64
	}{
		{"0000000000000000", "0000000000000000", 0},
		{"0000000000000000", "0000000000000001", 1.0 / 64},
		{"0000000000000000", "ffffffffffffffff", 1},
		{"00000000000000ff", "0000000000000000", 8.0 / 64},
	}
	for _, tc := range cases {
		got, err := h.Distance(tc.a, tc.b)
		if err != nil {
			t.Fatalf("Distance(%s, %s) failed: %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Errorf("Distance(%s, %s) = %g, want %g", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDistanceRejectsInvalidFingerprint(t *testing.T) {
	h := NewPerceptionHasher()
	if _, err := h.Distance("not-hex", "0000000000000000"); err == nil {
		t.Error("expected error for invalid fingerprint, got nil")
	}
	if _, err := h.Distance("0000000000000000", "zzzz"); err == nil {
		t.Error("expected error for invalid fingerprint, got nil")
	}
}

func TestComputeRejectsMissingFile(t *testing.T) {
	h := NewPerceptionHasher()
	if _, err := h.Compute(filepath.Join(t.TempDir(), "nope.png")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}
