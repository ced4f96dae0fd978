// Package compress applies the final compression pass to a finished CPIO
// archive before it is written to disk.
package compress

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/ovinit/ovinit/errdefs"
)

// Mode selects the compression applied to the final archive. The zero value
// is Gzip, matching the CLI's default `initramfs.cpio.gz` output.
type Mode int

const (
	Gzip Mode = iota
	Zstd
	None
)

func (m Mode) String() string {
	switch m {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case None:
		return "none"
	default:
		return "unknown"
	}
}

// ParseMode accepts the aliases a CLI flag would plausibly use: gzip/gz,
// zstd/zst, none/raw.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	case "none", "raw":
		return None, nil
	default:
		return 0, errdefs.New(errdefs.Compression, fmt.Sprintf("unknown compression mode %q", s))
	}
}

// Archive compresses data with mode and writes the result to outputPath,
// returning the final on-disk size. The three modes are handled by direct
// dispatch on Mode rather than through an interface hierarchy: there are
// exactly three and none will ever carry mode-specific state.
func Archive(data []byte, outputPath string, mode Mode, log *zap.SugaredLogger) (int64, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Debugw("compressing archive", "bytes", len(data), "mode", mode.String(), "output", outputPath)

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.Io, fmt.Sprintf("creating output file %s", outputPath), err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	switch mode {
	case Gzip:
		gz := gzip.NewWriter(w)
		if _, err := gz.Write(data); err != nil {
			return 0, errdefs.Wrap(errdefs.Compression, "gzip-compressing archive", err)
		}
		if err := gz.Close(); err != nil {
			return 0, errdefs.Wrap(errdefs.Compression, "finalizing gzip stream", err)
		}

	case Zstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return 0, errdefs.Wrap(errdefs.Compression, "constructing zstd encoder", err)
		}
		if _, err := enc.Write(data); err != nil {
			enc.Close()
			return 0, errdefs.Wrap(errdefs.Compression, "zstd-compressing archive", err)
		}
		if err := enc.Close(); err != nil {
			return 0, errdefs.Wrap(errdefs.Compression, "finalizing zstd stream", err)
		}

	case None:
		if _, err := w.Write(data); err != nil {
			return 0, errdefs.Wrap(errdefs.Compression, "writing uncompressed archive", err)
		}

	default:
		return 0, errdefs.New(errdefs.Compression, fmt.Sprintf("unsupported compression mode %d", mode))
	}

	if err := w.Flush(); err != nil {
		return 0, errdefs.Wrap(errdefs.Io, "flushing output file", err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, errdefs.Wrap(errdefs.Io, "statting output file", err)
	}

	ratio := float64(info.Size()) / float64(maxInt(len(data), 1)) * 100
	log.Debugw("compression complete", "input_bytes", len(data), "output_bytes", info.Size(), "ratio_pct", ratio)

	return info.Size(), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
