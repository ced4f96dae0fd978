// Command ovinit converts OCI/Docker images into bootable CPIO initramfs
// archives.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ovinit/ovinit/build"
	"github.com/ovinit/ovinit/compress"
	"github.com/ovinit/ovinit/registry"
	"github.com/ovinit/ovinit/rootfs"
)

// CLI defines the command-line interface structure.
type CLI struct {
	Build       BuildCmd       `cmd:"" help:"Build an initramfs from a Docker/OCI image"`
	Inspect     InspectCmd     `cmd:"" help:"Inspect an image (show manifest info)"`
	ListLayers  ListLayersCmd  `cmd:"" name:"list-layers" help:"List layers of an image"`
	Interactive InteractiveCmd `cmd:"" help:"Interactive mode"`

	Verbose bool `short:"v" help:"Enable verbose output"`
}

// BuildCmd builds an initramfs from an image reference.
type BuildCmd struct {
	Image string `arg:"" help:"Image reference (e.g., python:3.11-alpine)"`

	Output        string   `short:"o" default:"initramfs.cpio.gz" help:"Output file path"`
	Compression   string   `short:"c" default:"gzip" help:"Compression format (gzip, zstd, none)"`
	Exclude       []string `help:"Patterns to exclude (can be repeated)"`
	Inject        []string `help:"Inject files into initramfs (format: SRC:DEST)"`
	Init          string   `help:"Custom init script to use (placed at /init)"`
	PlatformOS    string   `default:"linux" help:"Target platform OS"`
	PlatformArch  string   `default:"amd64" help:"Target platform architecture"`
	Username      string   `help:"Registry username"`
	PasswordStdin bool     `help:"Read password from stdin"`
	FanOut        int      `default:"4" help:"Concurrent layer downloads"`
}

func (c *BuildCmd) Run(cli *CLI) error {
	log := newLogger(cli.Verbose)

	mode, err := compress.ParseMode(c.Compression)
	if err != nil {
		return err
	}

	auth, err := resolveAuth(c.Username, c.PasswordStdin)
	if err != nil {
		return err
	}

	var injects []rootfs.InjectFile
	for _, spec := range c.Inject {
		src, dest, err := parseInject(spec)
		if err != nil {
			return err
		}
		injects = append(injects, rootfs.InjectFile{Src: src, Dest: dest, Executable: true})
	}

	cfg := build.Config{
		Image:           c.Image,
		Output:          c.Output,
		Compression:     mode,
		ExcludePatterns: c.Exclude,
		PlatformOS:      c.PlatformOS,
		PlatformArch:    c.PlatformArch,
		Auth:            auth,
		InjectFiles:     injects,
		InitScript:      c.Init,
		FanOut:          c.FanOut,
	}

	fmt.Printf("Building initramfs from %s...\n", c.Image)

	result, err := build.Run(context.Background(), cfg, log)
	if err != nil {
		return err
	}

	fmt.Println("Successfully built initramfs:")
	fmt.Printf("  Output: %s\n", c.Output)
	fmt.Printf("  Entries: %d\n", result.Entries)
	fmt.Printf("  Uncompressed: %s\n", formatSize(uint64(result.UncompressedSize)))
	fmt.Printf("  Compressed: %s\n", formatSize(uint64(result.CompressedSize)))
	if result.UncompressedSize > 0 {
		ratio := float64(result.CompressedSize) / float64(result.UncompressedSize) * 100
		fmt.Printf("  Ratio: %.1f%%\n", ratio)
	}
	if result.InjectedFiles > 0 {
		fmt.Printf("  Injected files: %d\n", result.InjectedFiles)
	}
	if result.HasCustomInit {
		fmt.Println("  Custom init: yes")
	}

	return nil
}

// InspectCmd prints the resolved manifest for an image.
type InspectCmd struct {
	Image        string `arg:"" help:"Image reference"`
	PlatformOS   string `default:"linux" help:"Target platform OS"`
	PlatformArch string `default:"amd64" help:"Target platform architecture"`
}

func (c *InspectCmd) Run(cli *CLI) error {
	log := newLogger(cli.Verbose)

	client := registry.NewClient(registry.AnonymousAuth(), log)
	ref, err := registry.ParseReference(c.Image)
	if err != nil {
		return err
	}

	manifest, err := client.FetchManifest(context.Background(), ref, registry.PullOptions{
		PlatformOS:   c.PlatformOS,
		PlatformArch: c.PlatformArch,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Image: %s\n", c.Image)
	fmt.Printf("Config digest: %s\n", manifest.ConfigDigest)
	fmt.Printf("Layers: %d\n", len(manifest.Layers))
	fmt.Printf("Total size: %s\n", formatSize(uint64(manifest.TotalSize)))
	return nil
}

// ListLayersCmd prints each layer digest and size for an image.
type ListLayersCmd struct {
	Image        string `arg:"" help:"Image reference"`
	PlatformOS   string `default:"linux" help:"Target platform OS"`
	PlatformArch string `default:"amd64" help:"Target platform architecture"`
}

func (c *ListLayersCmd) Run(cli *CLI) error {
	log := newLogger(cli.Verbose)

	client := registry.NewClient(registry.AnonymousAuth(), log)
	ref, err := registry.ParseReference(c.Image)
	if err != nil {
		return err
	}

	manifest, err := client.FetchManifest(context.Background(), ref, registry.PullOptions{
		PlatformOS:   c.PlatformOS,
		PlatformArch: c.PlatformArch,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Layers for %s:\n\n", c.Image)
	for i, l := range manifest.Layers {
		short := l.Digest
		if idx := strings.IndexByte(short, ':'); idx >= 0 && len(short) >= idx+13 {
			short = short[idx+1 : idx+13]
		}
		fmt.Printf("  %d. %s (%s)\n", i+1, short, formatSize(uint64(l.Size)))
	}
	fmt.Println()
	fmt.Println(formatSize(uint64(manifest.TotalSize)))
	return nil
}

// InteractiveCmd is a placeholder for an eventual terminal-UI driven build
// flow; the build/inspect/list-layers subcommands cover the scripted path
// this tool targets.
type InteractiveCmd struct{}

func (c *InteractiveCmd) Run(cli *CLI) error {
	return fmt.Errorf("interactive mode is not implemented; use build, inspect, or list-layers")
}

func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = ""
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

func resolveAuth(username string, passwordStdin bool) (registry.Auth, error) {
	if username == "" {
		return registry.AnonymousAuth(), nil
	}

	if passwordStdin {
		password, err := readPasswordStdin()
		if err != nil {
			return registry.Auth{}, err
		}
		return registry.BasicAuth(username, password), nil
	}

	fmt.Fprintln(os.Stderr, "Warning: username provided without password")
	return registry.BasicAuth(username, ""), nil
}

func readPasswordStdin() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// parseInject splits a "SRC:DEST" argument.
func parseInject(spec string) (src, dest string, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid inject format %q, expected SRC:DEST", spec)
	}
	return parts[0], parts[1], nil
}

func formatSize(n uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.2f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.2f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.2f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ovinit"),
		kong.Description("Convert Docker/OCI images to bootable initramfs"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
