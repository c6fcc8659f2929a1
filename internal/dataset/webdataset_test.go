package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// record is one sample of a test shard. Exactly one of label or acts is
// written next to the image.
type record struct {
	key      string
	imageExt string
	image    []byte
	label    int
	acts     string
}

func TestStreamShardPairsLabels(t *testing.T) {
	shard := writeShard(t, filepath.Join(t.TempDir(), "shard-000000.tar"), []record{
		{key: "000001", imageExt: ".jpg", image: []byte("jpeg"), label: 3},
		{key: "000002", imageExt: ".png", image: []byte("png"), label: 7},
	})

	samples, err := drain(context.Background(), shard)
	if err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if !samples[0].HasLabel || samples[0].Label != 3 || samples[1].Label != 7 {
		t.Fatalf("unexpected labels %+v", samples)
	}
}

func TestStreamShardPairsActivations(t *testing.T) {
	shard := writeShard(t, filepath.Join(t.TempDir(), "shard-000000.tar"), []record{
		{key: "stim0", imageExt: ".png", image: []byte("png"), acts: "0.5 -1\n2e-1"},
	})

	samples, err := drain(context.Background(), shard)
	if err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	s := samples[0]
	if s.HasLabel {
		t.Fatal("activation sample reported a label")
	}
	want := []float64{0.5, -1, 0.2}
	if len(s.Activations) != len(want) {
		t.Fatalf("activations %v, want %v", s.Activations, want)
	}
	for i := range want {
		if s.Activations[i] != want[i] {
			t.Fatalf("activations %v, want %v", s.Activations, want)
		}
	}
}

func TestStreamShardErrors(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	addTarPayload(t, tw, "lonely.png", []byte("png"))
	tw.Close()
	incomplete := filepath.Join(dir, "shard-000000.tar")
	if err := os.WriteFile(incomplete, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	if _, err := drain(context.Background(), incomplete); err == nil {
		t.Fatal("expected error for image without label")
	}

	badActs := writeShard(t, filepath.Join(dir, "shard-000001.tar"), []record{
		{key: "x", imageExt: ".png", image: []byte("png"), acts: "1 two"},
	})
	if _, err := drain(context.Background(), badActs); err == nil {
		t.Fatal("expected error for malformed activations")
	}

	if _, err := drain(context.Background(), filepath.Join(dir, "missing.tar")); err == nil {
		t.Fatal("expected error for missing shard")
	}
}

func drain(ctx context.Context, path string) ([]Sample, error) {
	samplesCh, errCh := StreamShard(ctx, path, 4)
	var samples []Sample
	for s := range samplesCh {
		samples = append(samples, s)
	}
	return samples, <-errCh
}

func writeShard(t *testing.T, path string, records []record) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, r := range records {
		addTarPayload(t, tw, r.key+r.imageExt, r.image)
		if r.acts != "" {
			addTarPayload(t, tw, r.key+".act", []byte(r.acts))
		} else {
			addTarPayload(t, tw, r.key+".cls", []byte(strconv.Itoa(r.label)))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	return path
}

func addTarPayload(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}
