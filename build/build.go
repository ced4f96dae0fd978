// Package build exposes the top-level pipeline facade: given an image
// reference and a set of options, produce a compressed CPIO initramfs on
// disk. It binds registry, layer (via rootfs), cpio, and compress into one
// call the CLI and any embedding program can use.
package build

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/ovinit/ovinit/compress"
	"github.com/ovinit/ovinit/cpio"
	"github.com/ovinit/ovinit/errdefs"
	"github.com/ovinit/ovinit/registry"
	"github.com/ovinit/ovinit/rootfs"
)

// Config collects every knob a build accepts, mirroring the builder-style
// configuration surface of the pipeline components it wires together.
type Config struct {
	Image           string
	Output          string
	Compression     compress.Mode
	ExcludePatterns []string
	PlatformOS      string
	PlatformArch    string
	Auth            registry.Auth
	InjectFiles     []rootfs.InjectFile
	InitScript      string // path to a custom init script; empty uses the generated default
	FanOut          int    // concurrent layer pulls; 0 keeps the registry.Client default
}

// Result summarizes a completed build for CLI reporting.
type Result struct {
	Entries          int
	UncompressedSize int64
	CompressedSize   int64
	Compression      compress.Mode
	InjectedFiles    int
	HasCustomInit    bool
}

// Run executes the full pipeline: resolve and pull the image, extract its
// layers into a scoped staging directory, apply injections and init
// placement, pack the result into a CPIO archive, and compress it to
// cfg.Output. The staging directory is always removed before Run returns,
// success or failure.
func Run(ctx context.Context, cfg Config, log *zap.SugaredLogger) (Result, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Image == "" {
		return Result{}, errdefs.New(errdefs.InvalidImageRef, "no image specified")
	}

	log.Infow("building initramfs", "image", cfg.Image, "output", cfg.Output)

	client := registry.NewClient(cfg.Auth, log)
	if cfg.FanOut > 0 {
		client = client.WithFanOut(cfg.FanOut)
	}

	platformOS, platformArch := cfg.PlatformOS, cfg.PlatformArch
	if platformOS == "" {
		platformOS = "linux"
	}
	if platformArch == "" {
		platformArch = "amd64"
	}

	rb := rootfs.NewBuilder(client, log).
		Platform(platformOS, platformArch).
		Exclude(cfg.ExcludePatterns...)

	rootfsPath, err := rb.Build(ctx, cfg.Image)
	if err != nil {
		return Result{}, err
	}
	defer rb.Close()

	if err := rootfs.Inject(rootfsPath, cfg.InjectFiles, log); err != nil {
		return Result{}, err
	}

	if err := rootfs.PlaceInit(rootfsPath, cfg.InitScript, log); err != nil {
		return Result{}, err
	}

	log.Infow("creating cpio archive", "staging_dir", rootfsPath)
	archive, err := cpio.FromDirectory(rootfsPath)
	if err != nil {
		return Result{}, err
	}

	var buf bytes.Buffer
	if err := archive.WriteTo(&buf); err != nil {
		return Result{}, err
	}
	log.Infow("cpio archive built", "entries", archive.Len(), "uncompressed_bytes", buf.Len())

	mode := cfg.Compression
	compressedSize, err := compress.Archive(buf.Bytes(), cfg.Output, mode, log)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Entries:          archive.Len(),
		UncompressedSize: int64(buf.Len()),
		CompressedSize:   compressedSize,
		Compression:      mode,
		InjectedFiles:    len(cfg.InjectFiles),
		HasCustomInit:    cfg.InitScript != "",
	}, nil
}
