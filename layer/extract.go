// Package layer implements Component B of the initramfs pipeline: per-layer
// whiteout application and tar extraction into a flattened staging tree.
package layer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ovinit/ovinit/errdefs"
)

// Extractor applies a sequence of gzipped tar layers onto a target
// directory, honoring overlay-style whiteout and opaque-directory markers.
type Extractor struct {
	excludePatterns []string
	log             *zap.SugaredLogger
}

// NewExtractor builds an Extractor. excludePatterns are filepath.Match glob
// patterns (matched against the full entry path and against the entry path
// cut to the pattern's number of segments), checked at configuration time so
// that an invalid pattern fails fast, before extraction begins.
func NewExtractor(excludePatterns []string, log *zap.SugaredLogger) (*Extractor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	for _, p := range excludePatterns {
		if _, err := filepath.Match(p, "x"); err != nil {
			return nil, errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("invalid exclude pattern %q", p), err)
		}
	}
	return &Extractor{excludePatterns: excludePatterns, log: log}, nil
}

func (e *Extractor) shouldExclude(path string) bool {
	for _, p := range e.excludePatterns {
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		// Also try matching the pattern against each path component depth,
		// so that "usr/share/doc/*" matches "usr/share/doc/foo/bar.txt" the
		// way a directory-prefix exclude is expected to.
		if matchesAnyPrefix(p, path) {
			return true
		}
	}
	return false
}

// matchesAnyPrefix reports whether pattern matches path truncated to the
// same number of path segments as pattern, which lets a pattern like
// "usr/share/doc/*" exclude everything beneath usr/share/doc, not only
// direct children.
func matchesAnyPrefix(pattern, path string) bool {
	patParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	if len(pathParts) < len(patParts) {
		return false
	}
	prefix := strings.Join(pathParts[:len(patParts)], "/")
	ok, _ := filepath.Match(pattern, prefix)
	return ok
}

// ExtractAll applies layers in order onto targetDir, producing a flattened
// rootfs. Each layer is a gzipped POSIX tar. Within a layer, whiteouts are
// applied (pass 1) before any content from that same layer is extracted
// (pass 2); across layers, later layers overwrite earlier ones in place.
func (e *Extractor) ExtractAll(layers [][]byte, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.Io, "creating staging directory", err)
	}

	for i, data := range layers {
		e.log.Debugw("extracting layer", "index", i+1, "total", len(layers))
		if err := e.extractLayer(data, targetDir); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) extractLayer(data []byte, targetDir string) error {
	if err := e.applyWhiteouts(data, targetDir); err != nil {
		return err
	}
	return e.extractContent(data, targetDir)
}

// applyWhiteouts is pass 1: scan the tar stream for ".wh.*" markers and
// remove the paths they designate from targetDir before any new content is
// written.
func (e *Extractor) applyWhiteouts(data []byte, targetDir string) error {
	tr, err := newTarReader(data)
	if err != nil {
		return errdefs.Wrap(errdefs.LayerExtraction, "opening layer for whiteout scan", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errdefs.Wrap(errdefs.LayerExtraction, "reading layer entry", err)
		}

		name := cleanPath(hdr.Name)
		base := filepath.Base(name)

		if base == ".wh..wh..opq" {
			dir := filepath.Dir(name)
			full := filepath.Join(targetDir, dir)
			if _, statErr := os.Lstat(full); statErr == nil {
				if err := os.RemoveAll(full); err != nil {
					return errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("clearing opaque directory %s", dir), err)
				}
				if err := os.MkdirAll(full, 0o755); err != nil {
					return errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("recreating opaque directory %s", dir), err)
				}
			}
			continue
		}

		if strings.HasPrefix(base, ".wh.") {
			removed := strings.TrimPrefix(base, ".wh.")
			target := filepath.Join(filepath.Dir(name), removed)
			full := filepath.Join(targetDir, target)
			if _, statErr := os.Lstat(full); statErr == nil {
				if err := os.RemoveAll(full); err != nil {
					return errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("applying whiteout for %s", target), err)
				}
			}
		}
	}
	return nil
}

// extractContent is pass 2: re-read the tar stream and materialize every
// non-whiteout, non-excluded entry.
func (e *Extractor) extractContent(data []byte, targetDir string) error {
	tr, err := newTarReader(data)
	if err != nil {
		return errdefs.Wrap(errdefs.LayerExtraction, "opening layer for extraction", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errdefs.Wrap(errdefs.LayerExtraction, "reading layer entry", err)
		}

		name := cleanPath(hdr.Name)
		base := filepath.Base(name)
		if strings.HasPrefix(base, ".wh.") {
			continue
		}
		if e.shouldExclude(name) {
			continue
		}

		target := filepath.Join(targetDir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("creating parent of %s", name), err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode&0o7777)); err != nil {
				return errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("creating directory %s", name), err)
			}
			_ = os.Chmod(target, os.FileMode(hdr.Mode&0o7777))
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)

		case tar.TypeReg, tar.TypeRegA:
			if err := writeRegularFile(tr, target, os.FileMode(hdr.Mode&0o7777)); err != nil {
				return errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("writing file %s", name), err)
			}
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)

		case tar.TypeLink:
			source := filepath.Join(targetDir, cleanPath(hdr.Linkname))
			_ = os.Remove(target)
			if err := os.Link(source, target); err != nil {
				if err := copyFile(source, target, os.FileMode(hdr.Mode&0o7777)); err != nil {
					return errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("hard-linking %s", name), err)
				}
			}

		case tar.TypeSymlink:
			if _, statErr := os.Lstat(target); statErr == nil {
				if err := os.Remove(target); err != nil {
					return errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("removing existing entry at %s", name), err)
				}
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errdefs.Wrap(errdefs.LayerExtraction, fmt.Sprintf("symlinking %s", name), err)
			}

		default:
			e.log.Debugw("skipping unsupported tar entry type", "name", name, "type", hdr.Typeflag)
		}
	}
	return nil
}

func newTarReader(data []byte) (*tar.Reader, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return tar.NewReader(gz), nil
}

func writeRegularFile(r io.Reader, target string, mode os.FileMode) error {
	_ = os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// cleanPath normalizes a tar entry name the way overlay whiteout matching
// expects: no leading slash, no "./" prefix.
func cleanPath(name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "./")
	return filepath.Clean(name)
}
