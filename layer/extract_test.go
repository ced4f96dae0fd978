package layer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

// buildLayer gzips a tar stream built from the given entries, in order.
func buildLayer(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typ,
			Mode:     e.mode,
			Size:     int64(len(e.body)),
			Linkname: e.linkname,
		}
		if hdr.Mode == 0 {
			if e.typ == tar.TypeDir {
				hdr.Mode = 0o755
			} else {
				hdr.Mode = 0o644
			}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", e.name, err)
		}
		if len(e.body) > 0 {
			if _, err := tw.Write(e.body); err != nil {
				t.Fatalf("Write(%s): %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

type tarEntry struct {
	name     string
	typ      byte
	mode     int64
	body     []byte
	linkname string
}

func mustExtractor(t *testing.T, excludes []string) *Extractor {
	t.Helper()
	e, err := NewExtractor(excludes, nil)
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	return e
}

func TestExtractAllBasic(t *testing.T) {
	dir := t.TempDir()
	layer := buildLayer(t, []tarEntry{
		{name: "etc/", typ: tar.TypeDir},
		{name: "etc/hostname", typ: tar.TypeReg, body: []byte("box\n")},
		{name: "bin/sh", typ: tar.TypeReg, mode: 0o755, body: []byte("#!/bin/sh\n")},
	})

	e := mustExtractor(t, nil)
	if err := e.ExtractAll([][]byte{layer}, dir); err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "etc/hostname"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != "box\n" {
		t.Errorf("content = %q, want %q", got, "box\n")
	}

	info, err := os.Stat(filepath.Join(dir, "bin/sh"))
	if err != nil {
		t.Fatalf("stat bin/sh: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Error("expected bin/sh to be executable")
	}
}

func TestExtractAllWhiteoutRemovesFile(t *testing.T) {
	dir := t.TempDir()
	base := buildLayer(t, []tarEntry{
		{name: "etc/", typ: tar.TypeDir},
		{name: "etc/removed.conf", typ: tar.TypeReg, body: []byte("gone\n")},
		{name: "etc/kept.conf", typ: tar.TypeReg, body: []byte("stays\n")},
	})
	overlay := buildLayer(t, []tarEntry{
		{name: "etc/.wh.removed.conf", typ: tar.TypeReg},
	})

	e := mustExtractor(t, nil)
	if err := e.ExtractAll([][]byte{base, overlay}, dir); err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "etc/removed.conf")); !os.IsNotExist(err) {
		t.Errorf("expected etc/removed.conf to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "etc/kept.conf")); err != nil {
		t.Errorf("expected etc/kept.conf to survive: %v", err)
	}
}

func TestExtractAllOpaqueDirectoryClearsPriorContent(t *testing.T) {
	dir := t.TempDir()
	base := buildLayer(t, []tarEntry{
		{name: "data/", typ: tar.TypeDir},
		{name: "data/old.txt", typ: tar.TypeReg, body: []byte("old\n")},
	})
	overlay := buildLayer(t, []tarEntry{
		{name: "data/.wh..wh..opq", typ: tar.TypeReg},
		{name: "data/new.txt", typ: tar.TypeReg, body: []byte("new\n")},
	})

	e := mustExtractor(t, nil)
	if err := e.ExtractAll([][]byte{base, overlay}, dir); err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "data/old.txt")); !os.IsNotExist(err) {
		t.Errorf("expected data/old.txt to be cleared by opaque marker, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data/new.txt")); err != nil {
		t.Errorf("expected data/new.txt to exist: %v", err)
	}
}

func TestExtractAllExcludePattern(t *testing.T) {
	dir := t.TempDir()
	layer := buildLayer(t, []tarEntry{
		{name: "usr/share/doc/", typ: tar.TypeDir},
		{name: "usr/share/doc/readme.txt", typ: tar.TypeReg, body: []byte("doc\n")},
		{name: "usr/bin/app", typ: tar.TypeReg, body: []byte("bin\n")},
	})

	e := mustExtractor(t, []string{"usr/share/doc/*"})
	if err := e.ExtractAll([][]byte{layer}, dir); err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "usr/share/doc/readme.txt")); !os.IsNotExist(err) {
		t.Errorf("expected excluded file to be absent, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "usr/bin/app")); err != nil {
		t.Errorf("expected usr/bin/app to exist: %v", err)
	}
}

func TestExtractAllSymlinkReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	base := buildLayer(t, []tarEntry{
		{name: "lib", typ: tar.TypeReg, body: []byte("placeholder\n")},
	})
	overlay := buildLayer(t, []tarEntry{
		{name: "lib", typ: tar.TypeSymlink, linkname: "usr/lib"},
	})

	e := mustExtractor(t, nil)
	if err := e.ExtractAll([][]byte{base, overlay}, dir); err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}

	fi, err := os.Lstat(filepath.Join(dir, "lib"))
	if err != nil {
		t.Fatalf("lstat lib: %v", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		t.Error("expected lib to become a symlink")
	}
}

func TestExtractAllHardLink(t *testing.T) {
	dir := t.TempDir()
	layer := buildLayer(t, []tarEntry{
		{name: "bin/busybox", typ: tar.TypeReg, mode: 0o755, body: []byte("binary\n")},
		{name: "bin/sh", typ: tar.TypeLink, linkname: "bin/busybox"},
	})

	e := mustExtractor(t, nil)
	if err := e.ExtractAll([][]byte{layer}, dir); err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}

	a, err := os.Stat(filepath.Join(dir, "bin/busybox"))
	if err != nil {
		t.Fatalf("stat bin/busybox: %v", err)
	}
	b, err := os.Stat(filepath.Join(dir, "bin/sh"))
	if err != nil {
		t.Fatalf("stat bin/sh: %v", err)
	}
	if !os.SameFile(a, b) {
		t.Error("expected bin/sh and bin/busybox to be the same file (hard link)")
	}
}

func TestNewExtractorInvalidPattern(t *testing.T) {
	if _, err := NewExtractor([]string{"["}, nil); err == nil {
		t.Error("expected error for malformed glob pattern")
	}
}
