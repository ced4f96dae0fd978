// Package cpio builds newc-format CPIO archives (the format the Linux
// kernel's initramfs unpacker expects) from a directory tree.
package cpio

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/ovinit/ovinit/errdefs"
)

// entry is one file, directory, or symlink destined for the archive.
type entry struct {
	path      string
	mode      uint32
	uid       uint32
	gid       uint32
	nlink     uint32
	mtime     uint32
	data      []byte
	devMajor  uint32
	devMinor  uint32
	rdevMajor uint32
	rdevMinor uint32

	dedupKey  [2]uint64 // (dev, ino); zero value means "not a hard-link candidate"
	hasDedup  bool
	linkIndex int // index into Archive.entries of the first entry sharing dedupKey, or -1
}

// Archive is an ordered set of CPIO entries plus the logic to serialize them
// in newc format.
type Archive struct {
	entries []entry
}

// New returns an empty archive.
func New() *Archive { return &Archive{} }

// Len reports the number of entries currently staged.
func (a *Archive) Len() int { return len(a.entries) }

// FromDirectory walks root (not following symlinks) and stages every file,
// directory, and symlink it contains. Entries are walked in lexical order so
// archive output is deterministic across runs on identical input trees.
//
// Regular files that share the same (device, inode) pair -- i.e. hard links
// produced by the Layer Extractor, such as /bin/sh and /bin/busybox -- are
// detected and stored once; every further entry sharing that pair is written
// as a CPIO hard-link referencing the first occurrence, instead of
// duplicating file content in the archive.
func FromDirectory(root string) (*Archive, error) {
	a := New()

	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CpioGeneration, "walking rootfs tree", err)
	}
	sort.Strings(paths)

	dedup := make(map[[2]uint64]int) // (dev,ino) -> index in a.entries

	for _, full := range paths {
		rel, err := filepath.Rel(root, full)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CpioGeneration, fmt.Sprintf("computing relative path for %s", full), err)
		}

		if err := a.addPath(full, filepath.ToSlash(rel), dedup); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *Archive) addPath(sourcePath, archivePath string, dedup map[[2]uint64]int) error {
	info, err := os.Lstat(sourcePath)
	if err != nil {
		return errdefs.Wrap(errdefs.CpioGeneration, fmt.Sprintf("reading metadata for %s", sourcePath), err)
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return errdefs.New(errdefs.CpioGeneration, fmt.Sprintf("no platform stat info for %s", sourcePath))
	}

	e := entry{
		path:      archivePath,
		mode:      uint32(st.Mode),
		uid:       st.Uid,
		gid:       st.Gid,
		nlink:     uint32(st.Nlink),
		mtime:     uint32(st.Mtim.Sec),
		linkIndex: -1,
	}

	switch {
	case info.Mode().IsRegular():
		key := [2]uint64{uint64(st.Dev), st.Ino}
		if st.Nlink > 1 {
			e.dedupKey = key
			if first, seen := dedup[key]; seen {
				e.linkIndex = first
				e.hasDedup = true
			} else {
				dedup[key] = len(a.entries)
			}
		}
		if e.linkIndex == -1 {
			data, err := os.ReadFile(sourcePath)
			if err != nil {
				return errdefs.Wrap(errdefs.CpioGeneration, fmt.Sprintf("reading file %s", sourcePath), err)
			}
			e.data = data
		}

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(sourcePath)
		if err != nil {
			return errdefs.Wrap(errdefs.CpioGeneration, fmt.Sprintf("reading symlink %s", sourcePath), err)
		}
		e.data = []byte(target)

	case info.IsDir():
		// directories carry no payload

	default:
		// device nodes, sockets, fifos: recorded with zero-length payload,
		// mode alone conveys the type to the kernel's unpacker
	}

	a.entries = append(a.entries, e)
	return nil
}

// WriteTo serializes every staged entry in newc format, followed by the
// TRAILER!!! terminal entry, to w.
func (a *Archive) WriteTo(w io.Writer) error {
	ino := uint32(1)
	inoOf := make([]uint32, len(a.entries))

	for i, e := range a.entries {
		entryIno := ino
		data := e.data

		// e.nlink already carries the real host link count (>=2 for every
		// member of a hard-linked group, including the data-bearing first
		// occurrence): the kernel's initramfs unpacker only registers an
		// inode in its link table when it sees nlink>=2 on that inode's
		// first appearance, so the data-bearing entry must report the true
		// count too, not 1, or later occurrences can't find it and unpack
		// as empty files instead of links.
		if e.hasDedup {
			entryIno = inoOf[e.linkIndex]
			data = nil
		} else {
			inoOf[i] = entryIno
			ino++
		}

		if err := writeEntry(w, e.path, e.mode, e.uid, e.gid, e.nlink, e.mtime, data, e.devMajor, e.devMinor, e.rdevMajor, e.rdevMinor, entryIno); err != nil {
			return errdefs.Wrap(errdefs.CpioGeneration, fmt.Sprintf("writing entry %s", e.path), err)
		}
	}

	if err := writeEntry(w, "TRAILER!!!", 0, 0, 0, 1, 0, nil, 0, 0, 0, 0, 0); err != nil {
		return errdefs.Wrap(errdefs.CpioGeneration, "writing trailer", err)
	}
	return nil
}

// writeEntry emits one newc header, the null-terminated name, alignment
// padding, the payload, and its own alignment padding.
func writeEntry(w io.Writer, name string, mode, uid, gid, nlink, mtime uint32, data []byte, devMajor, devMinor, rdevMajor, rdevMinor, ino uint32) error {
	namesize := len(name) + 1
	filesize := len(data)

	header := fmt.Sprintf(
		"070701%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X",
		ino, mode, uid, gid, nlink, mtime, filesize,
		devMajor, devMinor, rdevMajor, rdevMinor, namesize, uint32(0),
	)

	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}

	if pad := alignPadding(110 + namesize); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}

	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return err
		}
	}

	if pad := alignPadding(filesize); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}

	return nil
}

// alignPadding returns the number of zero bytes needed to bring n up to the
// next 4-byte boundary.
func alignPadding(n int) int {
	return (4 - (n % 4)) % 4
}
