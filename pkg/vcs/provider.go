package vcs

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/scmtools/scmbridge/pkg/ref"
)

// sha256Len is the length of a sha256 object id in hex form.
const sha256Len = 64

// CheckoutProvider materializes a reference as a work tree. A
// reference pinned to a full commit id is fetched directly into a
// fresh repository so that unrelated history is never transferred;
// anything else goes through a regular clone.
type CheckoutProvider struct {
	Client *Client

	// ProjectMode skips submodule materialization; project
	// processing reads the pinned revisions from the tree instead.
	ProjectMode bool
}

// Provide checks out r into dir.
func (p *CheckoutProvider) Provide(ctx context.Context, r *ref.Reference, dir string) error {
	depth := 1
	if r.KeepMeta || os.Getenv("OSC_VERSION") != "" {
		// local checkouts and meta-keeping consumers want history
		depth = 0
	}
	if r.Shallow {
		depth = 1
	}

	if ref.IsCommit(r.Revision) {
		return p.fetchCommit(ctx, r, dir, depth)
	}
	return p.clone(ctx, r, dir, depth)
}

func (p *CheckoutProvider) fetchCommit(ctx context.Context, r *ref.Reference, dir string, depth int) error {
	objectFormat := ""
	if len(r.Revision) >= sha256Len {
		objectFormat = "sha256"
	}

	if err := p.Client.Init(ctx, dir, objectFormat); err != nil {
		return err
	}
	if err := p.Client.RemoteAdd(ctx, dir, "origin", r.CloneURL()); err != nil {
		return err
	}
	if err := p.Client.Fetch(ctx, dir, "origin", r.Revision, FetchOptions{Depth: depth}); err != nil {
		return err
	}
	if err := p.Client.Checkout(ctx, dir, r.Revision); err != nil {
		return err
	}

	if p.ProjectMode {
		return nil
	}
	return p.Client.SubmoduleUpdate(ctx, dir)
}

func (p *CheckoutProvider) clone(ctx context.Context, r *ref.Reference, dir string, depth int) error {
	opts := CloneOptions{Depth: depth}
	if r.Revision != "" {
		opts.Branch = r.Revision
	}
	if err := p.Client.Clone(ctx, r.CloneURL(), dir, opts); err != nil {
		return err
	}

	if p.ProjectMode {
		return nil
	}

	if r.Subdir != "" {
		// only the requested subtree is kept, so try to limit
		// submodule traffic to it first
		if err := p.Client.SubmoduleUpdate(ctx, dir, r.Subdir); err != nil {
			log.Warn().Err(err).Str("subdir", r.Subdir).Msg("scoped submodule update failed, retrying without path limit")
			return p.Client.SubmoduleUpdate(ctx, dir)
		}
		return nil
	}
	return p.Client.SubmoduleUpdate(ctx, dir)
}
