package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeProber struct {
	result *ProbeResult
	err    error
	block  bool
	calls  int
}

func (p *fakeProber) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	p.calls++
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	r := *p.result
	return &r, nil
}

type memCache struct {
	entries map[string]*ProbeResult
}

func (c *memCache) GetProbe(ctx context.Context, path, fingerprint string) (*ProbeResult, error) {
	return c.entries[path+"|"+fingerprint], nil
}

func (c *memCache) PutProbe(ctx context.Context, path, fingerprint string, result *ProbeResult) error {
	c.entries[path+"|"+fingerprint] = result
	return nil
}

func writeMediaFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("not really a video but not empty"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func validResult() *ProbeResult {
	return &ProbeResult{DurationSeconds: 10, Width: 1920, Height: 1080, FrameRate: 30, HasAudio: true}
}

func TestRegistry_Ingest(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Prober: &fakeProber{result: validResult()}})
	path := writeMediaFile(t, "a.mp4")

	src, err := reg.Ingest(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if src.ID == "" {
		t.Error("source ID is empty")
	}
	if src.Name != "a.mp4" {
		t.Errorf("Name = %q, want a.mp4", src.Name)
	}
	if src.DurationSeconds != 10 || src.Width != 1920 || src.Height != 1080 {
		t.Errorf("metadata = %+v", src)
	}

	got, ok := reg.Lookup(src.ID)
	if !ok {
		t.Fatal("Lookup() did not find the ingested source")
	}
	if got.Path != src.Path {
		t.Errorf("Lookup().Path = %q, want %q", got.Path, src.Path)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
}

func TestRegistry_Ingest_InvalidMetadataNotRegistered(t *testing.T) {
	tests := []struct {
		name   string
		result *ProbeResult
	}{
		{"zero duration", &ProbeResult{DurationSeconds: 0, Width: 10, Height: 10}},
		{"zero width", &ProbeResult{DurationSeconds: 1, Width: 0, Height: 10}},
		{"zero height", &ProbeResult{DurationSeconds: 1, Width: 10, Height: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(RegistryConfig{Prober: &fakeProber{result: tt.result}})
			_, err := reg.Ingest(context.Background(), writeMediaFile(t, "x.mp4"), "")
			if !IsProbeError(err, ProbeInvalid) {
				t.Fatalf("Ingest() error = %v, want invalid probe error", err)
			}
			if reg.Len() != 0 {
				t.Errorf("Len() = %d, want 0 after failed ingest", reg.Len())
			}
		})
	}
}

func TestRegistry_Ingest_Timeout(t *testing.T) {
	reg := NewRegistry(RegistryConfig{
		Prober:       &fakeProber{block: true},
		ProbeTimeout: 20 * time.Millisecond,
	})

	_, err := reg.Ingest(context.Background(), writeMediaFile(t, "slow.mp4"), "")
	if !IsProbeError(err, ProbeTimeout) {
		t.Fatalf("Ingest() error = %v, want timeout probe error", err)
	}
}

func TestRegistry_Ingest_PassesThroughTypedErrors(t *testing.T) {
	corrupt := &ProbeError{Kind: ProbeCorrupt, Path: "x", Err: errors.New("moov atom not found")}
	reg := NewRegistry(RegistryConfig{Prober: &fakeProber{err: corrupt}})

	_, err := reg.Ingest(context.Background(), writeMediaFile(t, "bad.mp4"), "")
	if !IsProbeError(err, ProbeCorrupt) {
		t.Fatalf("Ingest() error = %v, want corrupt probe error", err)
	}
}

func TestRegistry_Ingest_EmptyFileIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mp4")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	prober := &fakeProber{result: validResult()}
	reg := NewRegistry(RegistryConfig{Prober: prober})

	if _, err := reg.Ingest(context.Background(), path, ""); !IsProbeError(err, ProbeCorrupt) {
		t.Fatalf("Ingest() error = %v, want corrupt", err)
	}
	if prober.calls != 0 {
		t.Errorf("prober called %d times for an empty file", prober.calls)
	}
}

func TestRegistry_UsesProbeCache(t *testing.T) {
	prober := &fakeProber{result: validResult()}
	cache := &memCache{entries: map[string]*ProbeResult{}}
	reg := NewRegistry(RegistryConfig{Prober: prober, Cache: cache})
	path := writeMediaFile(t, "cached.mp4")

	if _, err := reg.Ingest(context.Background(), path, ""); err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	if _, err := reg.Ingest(context.Background(), path, ""); err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if prober.calls != 1 {
		t.Errorf("prober calls = %d, want 1 (second ingest served from cache)", prober.calls)
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reg.Len())
	}
}

func TestRegistry_ClearReleasesOwnedFiles(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Prober: &fakeProber{result: validResult()}})
	owned := writeMediaFile(t, "upload.mp4")
	borrowed := writeMediaFile(t, "library.mp4")

	if _, err := reg.IngestOwned(context.Background(), owned, "upload"); err != nil {
		t.Fatalf("IngestOwned() error = %v", err)
	}
	if _, err := reg.Ingest(context.Background(), borrowed, ""); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if n := reg.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if _, err := os.Stat(owned); !os.IsNotExist(err) {
		t.Errorf("owned upload should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(borrowed); err != nil {
		t.Errorf("borrowed file should remain, stat err = %v", err)
	}
	if len(reg.List()) != 0 {
		t.Error("List() not empty after Clear()")
	}
}

func TestRegistry_IngestOwnedFailureRemovesFile(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Prober: &fakeProber{err: errors.New("invalid data found")}})
	path := writeMediaFile(t, "junk.bin")

	_, err := reg.IngestOwned(context.Background(), path, "")
	if !IsProbeError(err, ProbeUndecodable) {
		t.Fatalf("IngestOwned() error = %v, want undecodable", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("failed upload should be removed, stat err = %v", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Prober: &fakeProber{result: validResult()}})
	a, _ := reg.Ingest(context.Background(), writeMediaFile(t, "a.mp4"), "")
	b, _ := reg.Ingest(context.Background(), writeMediaFile(t, "b.mp4"), "")

	reg.Remove(a.ID)
	reg.Remove("missing")

	list := reg.List()
	if len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("List() = %+v, want only %s", list, b.ID)
	}
}
