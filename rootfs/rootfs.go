// Package rootfs assembles a flattened root filesystem from a pulled OCI
// image: Component C of the initramfs pipeline. It wires registry.Client to
// layer.Extractor, stages the result in a scoped temporary directory, and
// applies file injection and init placement before handing the tree to the
// CPIO writer.
package rootfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ovinit/ovinit/errdefs"
	"github.com/ovinit/ovinit/layer"
	"github.com/ovinit/ovinit/registry"
)

const defaultInitScript = `#!/bin/sh
mount -t proc proc /proc 2>/dev/null
mount -t sysfs sysfs /sys 2>/dev/null
mount -t devtmpfs devtmpfs /dev 2>/dev/null

for cmd in /docker-entrypoint.sh /entrypoint.sh /usr/bin/entrypoint.sh; do
    [ -x "$cmd" ] && exec "$cmd"
done

exec /bin/sh
`

// InjectFile describes a host file to be copied into the assembled rootfs
// at Dest (absolute or rootfs-relative), optionally marked executable.
type InjectFile struct {
	Src        string
	Dest       string
	Executable bool
}

// Builder pulls one image and assembles its filesystem on disk.
type Builder struct {
	client          *registry.Client
	pullOpts        registry.PullOptions
	excludePatterns []string
	log             *zap.SugaredLogger

	stagingDir string // set once Build succeeds; removed by Close
}

// NewBuilder constructs a Builder bound to client. Pass a nil logger to
// install a no-op one.
func NewBuilder(client *registry.Client, log *zap.SugaredLogger) *Builder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Builder{client: client, pullOpts: registry.DefaultPullOptions(), log: log}
}

// Platform overrides the target platform (default linux/amd64).
func (b *Builder) Platform(os, arch string) *Builder {
	b.pullOpts.PlatformOS = os
	b.pullOpts.PlatformArch = arch
	return b
}

// Exclude adds glob patterns applied during layer extraction.
func (b *Builder) Exclude(patterns ...string) *Builder {
	b.excludePatterns = append(b.excludePatterns, patterns...)
	return b
}

// Build pulls image, extracts its layers into a fresh staging directory, and
// returns the resulting rootfs path. The caller must call Close when done
// with it, or defer (*Builder).Close() immediately after a successful Build,
// to guarantee the staging directory is removed even on a later error.
func (b *Builder) Build(ctx context.Context, image string) (string, error) {
	ref, err := registry.ParseReference(image)
	if err != nil {
		return "", err
	}

	b.log.Infow("fetching manifest", "image", image)
	manifest, err := b.client.FetchManifest(ctx, ref, b.pullOpts)
	if err != nil {
		return "", err
	}
	b.log.Infow("resolved manifest", "layers", len(manifest.Layers), "total_size", manifest.TotalSize)

	b.log.Infow("pulling layers")
	layers, err := b.client.PullAllLayers(ctx, ref, manifest, func(index, total int) {
		b.log.Debugw("pulling layer", "index", index, "total", total)
	})
	if err != nil {
		return "", err
	}

	stagingDir, err := os.MkdirTemp("", "ovinit-rootfs-*")
	if err != nil {
		return "", errdefs.Wrap(errdefs.Io, "creating staging directory", err)
	}

	extractor, err := layer.NewExtractor(b.excludePatterns, b.log)
	if err != nil {
		os.RemoveAll(stagingDir)
		return "", err
	}

	b.log.Infow("extracting layers", "staging_dir", stagingDir)
	if err := extractor.ExtractAll(layers, stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		return "", err
	}

	b.stagingDir = stagingDir
	return stagingDir, nil
}

// Close removes the staging directory created by a successful Build. It is
// a no-op if Build has not yet succeeded.
func (b *Builder) Close() error {
	if b.stagingDir == "" {
		return nil
	}
	err := os.RemoveAll(b.stagingDir)
	b.stagingDir = ""
	return err
}

// Inject copies each file onto rootfsPath, creating parent directories as
// needed. A Dest beginning with "/" is treated as rootfs-absolute; anything
// else is joined relative to rootfsPath directly.
func Inject(rootfsPath string, files []InjectFile, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	for _, inj := range files {
		dest := inj.Dest
		if filepath.IsAbs(dest) {
			rel, err := filepath.Rel("/", dest)
			if err != nil {
				return errdefs.Wrap(errdefs.Io, fmt.Sprintf("resolving injection destination %s", dest), err)
			}
			dest = rel
		}
		destPath := filepath.Join(rootfsPath, dest)

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return errdefs.Wrap(errdefs.Io, fmt.Sprintf("creating parent directory for %s", dest), err)
		}

		log.Infow("injecting file", "src", inj.Src, "dest", inj.Dest)
		if err := copyFile(inj.Src, destPath); err != nil {
			return errdefs.Wrap(errdefs.Io, fmt.Sprintf("injecting %s", inj.Src), err)
		}

		if inj.Executable {
			if err := os.Chmod(destPath, 0o755); err != nil {
				return errdefs.Wrap(errdefs.Io, fmt.Sprintf("marking %s executable", dest), err)
			}
		}
	}
	return nil
}

// PlaceInit writes the rootfs's /init: initScriptPath's contents if given,
// otherwise a generated default that mounts the pseudo-filesystems the
// kernel does not mount itself and execs the first executable among
// /docker-entrypoint.sh, /entrypoint.sh and /usr/bin/entrypoint.sh, falling
// back to an interactive shell. /init is always left mode
// 0755, since the kernel execs it directly as PID 1.
func PlaceInit(rootfsPath, initScriptPath string, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	initDest := filepath.Join(rootfsPath, "init")

	if initScriptPath != "" {
		log.Infow("installing custom init script", "src", initScriptPath)
		if err := copyFile(initScriptPath, initDest); err != nil {
			return errdefs.Wrap(errdefs.Io, "copying custom init script", err)
		}
	} else {
		log.Infow("generating default init script")
		if err := os.WriteFile(initDest, []byte(defaultInitScript), 0o644); err != nil {
			return errdefs.Wrap(errdefs.Io, "writing default init script", err)
		}
	}

	if err := os.Chmod(initDest, 0o755); err != nil {
		return errdefs.Wrap(errdefs.Io, "marking init executable", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
