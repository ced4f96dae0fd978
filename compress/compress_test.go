package compress

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"gzip", Gzip},
		{"gz", Gzip},
		{"zstd", Zstd},
		{"zst", Zstd},
		{"none", None},
		{"raw", None},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if err != nil {
			t.Errorf("ParseMode(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseMode("invalid"); err == nil {
		t.Error("ParseMode(\"invalid\") expected error, got nil")
	}
}

func TestModeString(t *testing.T) {
	if Gzip.String() != "gzip" || Zstd.String() != "zstd" || None.String() != "none" {
		t.Error("Mode.String() did not round-trip expected labels")
	}
}

func TestArchiveGzip(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "test.gz")
	data := bytes.Repeat([]byte("hello world "), 100)

	size, err := Archive(data, out, Gzip, nil)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if size <= 0 {
		t.Error("expected positive compressed size")
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	got, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("reading decompressed data: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("decompressed gzip data does not match input")
	}
}

func TestArchiveZstd(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "test.zst")
	data := []byte("hello world hello world hello world")

	size, err := Archive(data, out, Zstd, nil)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if size <= 0 {
		t.Error("expected positive compressed size")
	}

	compressed, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	got, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatalf("DecodeAll() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("decompressed zstd data does not match input")
	}
}

func TestArchiveNone(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "test.cpio")
	data := []byte("hello world")

	size, err := Archive(data, out, None, nil)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if size != int64(len(data)) {
		t.Errorf("size = %d, want %d", size, len(data))
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("uncompressed output does not match input")
	}
}
