package dataset

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"braintree/internal/model"
)

func pngBytes(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestExtractFeatures(t *testing.T) {
	raw := pngBytes(t, 10, 7, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	features, err := extractFeatures(raw, 4)
	if err != nil {
		t.Fatalf("extractFeatures: %v", err)
	}
	if len(features) != 3*16 {
		t.Fatalf("expected %d features, got %d", 3*16, len(features))
	}
	if features[0] != 1 || features[16] != 0 || features[32] != 0.2 {
		t.Fatalf("unexpected channel values r=%v g=%v b=%v", features[0], features[16], features[32])
	}
	if _, err := extractFeatures([]byte("not an image"), 4); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoaderAssemblesEntriesInSourceOrder(t *testing.T) {
	dir := t.TempDir()
	img := pngBytes(t, 8, 8, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	imagenet := filepath.Join(dir, "imagenet")
	neural := filepath.Join(dir, "neural")
	writeShard(t, filepath.Join(imagenet, "shard-000000.tar"), []record{
		{key: "i0", imageExt: ".png", image: img, label: 1},
		{key: "i1", imageExt: ".png", image: img, label: 9},
	})
	writeShard(t, filepath.Join(neural, "shard-000000.tar"), []record{
		{key: "n0", imageExt: ".png", image: img, acts: "1 2 3 4 5"},
		{key: "n1", imageExt: ".png", image: img, acts: "5 4 3 2 1"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := NewLoader(ctx, LoaderOptions{
		Sources: []Source{
			{Name: "ImageNet", Task: model.Classification, Roots: []string{imagenet}},
			{Name: "NeuralData", Task: model.Similarity, Region: "IT", Roots: []string{neural}},
		},
		BatchSize: 3,
		ImageSize: 4,
		Classes:   10,
		Seed:      1,
		CacheSize: 8,
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	for i := 0; i < 2; i++ {
		batch, err := l.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(batch.Entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(batch.Entries))
		}
		cls, sim := batch.Entries[0], batch.Entries[1]
		if cls.Source != "ImageNet" || sim.Source != "NeuralData" {
			t.Fatalf("entries out of order: %s, %s", cls.Source, sim.Source)
		}
		if r, c := cls.Inputs.Dims(); r != 3 || c != 48 {
			t.Fatalf("classification inputs %dx%d", r, c)
		}
		if len(cls.Labels) != 3 {
			t.Fatalf("expected 3 labels, got %v", cls.Labels)
		}
		if r, c := sim.Targets.Dims(); r != 3 || c != 5 {
			t.Fatalf("targets %dx%d", r, c)
		}
		if sim.Region != "IT" {
			t.Fatalf("region %q", sim.Region)
		}
		if batch.Samples() != 6 {
			t.Fatalf("batch samples %d", batch.Samples())
		}
	}
	if l.cache.Len() != 4 {
		t.Fatalf("expected 4 cached images, got %d", l.cache.Len())
	}
}

func TestLoaderRejectsOutOfRangeLabel(t *testing.T) {
	dir := t.TempDir()
	img := pngBytes(t, 4, 4, color.RGBA{A: 255})
	writeShard(t, filepath.Join(dir, "shard-000000.tar"), []record{
		{key: "bad", imageExt: ".png", image: img, label: 12},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := NewLoader(ctx, LoaderOptions{
		Sources:   []Source{{Name: "ImageNet", Task: model.Classification, Roots: []string{dir}}},
		BatchSize: 2,
		ImageSize: 4,
		Classes:   10,
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()
	if _, err := l.Next(ctx); err == nil {
		t.Fatal("expected error for label outside class range")
	}
}

func TestNewLoaderErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewLoader(ctx, LoaderOptions{BatchSize: 1, ImageSize: 4}); err == nil {
		t.Fatal("expected error without sources")
	}
	src := []Source{{Name: "ImageNet", Task: model.Classification, Roots: []string{t.TempDir()}}}
	if _, err := NewLoader(ctx, LoaderOptions{Sources: src, BatchSize: 1, ImageSize: 4}); err == nil {
		t.Fatal("expected error for root without shards")
	}
	if _, err := NewLoader(ctx, LoaderOptions{Sources: src, ImageSize: 4}); err == nil {
		t.Fatal("expected error for zero batch size")
	}
}
