package registry

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/ovinit/ovinit/errdefs"
)

// ImageReference is the parsed form of a user-supplied image string. It is
// immutable once constructed: exactly one of Tag/Digest is set.
type ImageReference struct {
	Registry   string
	Repository string
	Tag        string // empty when Digest is set
	Digest     string // empty when Tag is set

	ref name.Reference // underlying go-containerregistry reference, used for transport calls
}

// String returns the canonical form of the reference.
func (r ImageReference) String() string {
	return r.ref.Name()
}

// ParseReference parses forms `[registry[:port]/]repository[:tag|@digest]`.
//
// A repository with no "/" under the default registry is rewritten to
// "library/<name>" (go-containerregistry's name package already applies this
// Docker Hub convention). Missing tag defaults to "latest". A digest form
// takes precedence over any tag and disables tag resolution.
func ParseReference(s string) (ImageReference, error) {
	ref, err := name.ParseReference(s)
	if err != nil {
		return ImageReference{}, errdefs.Wrap(errdefs.InvalidImageRef, fmt.Sprintf("parsing reference %q", s), err)
	}

	out := ImageReference{
		Registry:   ref.Context().RegistryStr(),
		Repository: ref.Context().RepositoryStr(),
		ref:        ref,
	}

	switch v := ref.(type) {
	case name.Tag:
		out.Tag = v.TagStr()
	case name.Digest:
		out.Digest = v.DigestStr()
	default:
		return ImageReference{}, errdefs.New(errdefs.InvalidImageRef, fmt.Sprintf("reference %q is neither tagged nor digested", s))
	}

	return out, nil
}
