// Package registry implements Component A of the initramfs pipeline:
// image reference parsing, OCI manifest resolution (including multi-arch
// index selection), and layer blob retrieval.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ovinit/ovinit/errdefs"
)

// PullOptions selects the target platform for manifest resolution.
type PullOptions struct {
	PlatformOS   string
	PlatformArch string
}

// DefaultPullOptions returns the {linux, amd64} default platform.
func DefaultPullOptions() PullOptions {
	return PullOptions{PlatformOS: "linux", PlatformArch: "amd64"}
}

// Auth is the authentication mode used against the registry: either
// anonymous, or HTTP Basic with a user/pass pair.
type Auth struct {
	Username string
	Password string
	basic    bool
}

// AnonymousAuth is the zero-value, unauthenticated mode.
func AnonymousAuth() Auth { return Auth{} }

// BasicAuth builds an HTTP Basic credential pair.
func BasicAuth(user, pass string) Auth {
	return Auth{Username: user, Password: pass, basic: true}
}

func (a Auth) authenticator() authn.Authenticator {
	if !a.basic {
		return authn.Anonymous
	}
	return &authn.Basic{Username: a.Username, Password: a.Password}
}

// LayerDescriptor identifies a blob in content-addressed storage.
type LayerDescriptor struct {
	Digest    string // "algorithm:hex"
	Size      int64
	MediaType string
}

// ImageManifest is the resolved, single-platform manifest for an image.
// Layers are ordered from base to topmost; that order is the layer-apply
// order used by the Layer Extractor.
type ImageManifest struct {
	ConfigDigest string
	Layers       []LayerDescriptor
	TotalSize    int64
}

// ProgressFunc is invoked with (index, total) before each layer begins
// pulling. It is called only from the pulling goroutine chain and is never
// invoked concurrently with itself for a single PullAllLayers call.
type ProgressFunc func(index, total int)

// Client talks to an OCI/Docker v2 registry.
type Client struct {
	auth Auth
	log  *zap.SugaredLogger
	// fanOut bounds the number of layer blobs pulled concurrently.
	fanOut int
}

// NewClient constructs a Client using the given credentials. A nil logger
// installs a no-op logger.
func NewClient(auth Auth, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{auth: auth, log: log, fanOut: 4}
}

// WithFanOut overrides the default blob-pull concurrency (default 4).
func (c *Client) WithFanOut(n int) *Client {
	if n > 0 {
		c.fanOut = n
	}
	return c
}

func (c *Client) remoteOptions(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(c.authenticator()),
	}
}

func (c *Client) authenticator() authn.Authenticator { return c.auth.authenticator() }

// FetchManifest resolves the manifest for ref under the requested platform,
// re-issuing the GET against the selected platform digest when ref points at
// a multi-arch index.
func (c *Client) FetchManifest(ctx context.Context, ref ImageReference, opts PullOptions) (ImageManifest, error) {
	c.log.Debugw("fetching manifest", "ref", ref.String())

	desc, err := remote.Get(ref.ref, c.remoteOptions(ctx)...)
	if err != nil {
		return ImageManifest{}, classifyTransportError(err, ref)
	}

	if desc.MediaType.IsIndex() {
		idx, err := desc.ImageIndex()
		if err != nil {
			return ImageManifest{}, errdefs.Wrap(errdefs.Registry, "reading image index", err)
		}
		indexManifest, err := idx.IndexManifest()
		if err != nil {
			return ImageManifest{}, errdefs.Wrap(errdefs.Registry, "reading index manifest", err)
		}

		var match *v1.Descriptor
		for i := range indexManifest.Manifests {
			m := &indexManifest.Manifests[i]
			if m.Platform == nil {
				continue
			}
			if m.Platform.OS == opts.PlatformOS && m.Platform.Architecture == opts.PlatformArch {
				match = m
				break
			}
		}
		if match == nil {
			return ImageManifest{}, errdefs.New(errdefs.PlatformNotAvailable,
				fmt.Sprintf("no manifest for platform %s/%s in %s", opts.PlatformOS, opts.PlatformArch, ref.String()))
		}

		platformRef, err := name.ParseReference(fmt.Sprintf("%s/%s@%s", ref.Registry, ref.Repository, match.Digest.String()))
		if err != nil {
			return ImageManifest{}, errdefs.Wrap(errdefs.Registry, "building platform-specific reference", err)
		}

		platformDesc, err := remote.Get(platformRef, c.remoteOptions(ctx)...)
		if err != nil {
			return ImageManifest{}, classifyTransportError(err, ref)
		}
		if platformDesc.MediaType.IsIndex() {
			return ImageManifest{}, errdefs.New(errdefs.Registry, "platform-specific manifest resolved to another index")
		}
		return manifestFromDescriptor(platformDesc)
	}

	return manifestFromDescriptor(desc)
}

func manifestFromDescriptor(desc *remote.Descriptor) (ImageManifest, error) {
	img, err := desc.Image()
	if err != nil {
		return ImageManifest{}, errdefs.Wrap(errdefs.Registry, "reading image manifest", err)
	}
	raw, err := img.Manifest()
	if err != nil {
		return ImageManifest{}, errdefs.Wrap(errdefs.Json, "parsing manifest json", err)
	}

	layers := make([]LayerDescriptor, 0, len(raw.Layers))
	var total int64
	for _, l := range raw.Layers {
		layers = append(layers, LayerDescriptor{
			Digest:    l.Digest.String(),
			Size:      l.Size,
			MediaType: string(l.MediaType),
		})
		total += l.Size
	}

	return ImageManifest{
		ConfigDigest: raw.Config.Digest.String(),
		Layers:       layers,
		TotalSize:    total,
	}, nil
}

// PullLayer fetches a single layer blob's complete, still-gzipped bytes.
func (c *Client) PullLayer(ctx context.Context, ref ImageReference, layer LayerDescriptor) ([]byte, error) {
	c.log.Debugw("pulling layer", "digest", layer.Digest, "size", layer.Size)

	blobRef, err := name.ParseReference(fmt.Sprintf("%s/%s@%s", ref.Registry, ref.Repository, layer.Digest))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.Registry, "building blob reference", err)
	}

	l, err := remote.Layer(blobRef, c.remoteOptions(ctx)...)
	if err != nil {
		return nil, classifyTransportError(err, ref)
	}

	rc, err := l.Compressed()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.Registry, fmt.Sprintf("opening layer %s", layer.Digest), err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.Registry, fmt.Sprintf("reading layer %s", layer.Digest), err)
	}
	return data, nil
}

// PullAllLayers fetches every layer in manifest order. Blobs are downloaded
// with bounded fan-out (Client.fanOut, default 4) via errgroup to hide
// registry latency, but the returned slice always reflects manifest order
// regardless of completion order: extraction must still observe manifest
// order (spec.md §5). progress, if non-nil, is invoked once per layer as
// that layer's pull begins; a mutex serializes calls so it is never invoked
// concurrently with itself even though fetches run in parallel.
func (c *Client) PullAllLayers(ctx context.Context, ref ImageReference, manifest ImageManifest, progress ProgressFunc) ([][]byte, error) {
	total := len(manifest.Layers)
	results := make([][]byte, total)

	var progressMu sync.Mutex
	reportProgress := func(idx int) {
		if progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		progress(idx+1, total)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanOut)

	for i, layer := range manifest.Layers {
		i, layer := i, layer
		g.Go(func() error {
			reportProgress(i)
			data, err := c.PullLayer(gctx, ref, layer)
			if err != nil {
				return err
			}
			results[i] = data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// classifyTransportError maps a go-containerregistry transport error's HTTP
// status onto the stable error Kind taxonomy: 401 -> AuthFailed, 404 (on
// manifest GET) -> ImageNotFound, anything else (including 403) -> Registry.
func classifyTransportError(err error, ref ImageReference) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized:
			return errdefs.Wrap(errdefs.AuthFailed, fmt.Sprintf("authenticating to %s", ref.String()), err)
		case http.StatusNotFound:
			return errdefs.Wrap(errdefs.ImageNotFound, fmt.Sprintf("image %s not found", ref.String()), err)
		}
	}
	return errdefs.Wrap(errdefs.Registry, fmt.Sprintf("fetching %s", ref.String()), err)
}
