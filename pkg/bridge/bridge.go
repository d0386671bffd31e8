// Copyright (c) 2024 The Scmbridge Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package bridge runs one conversion: a repository reference goes in,
// a build service tree comes out. In package mode that tree is the
// checkout itself plus a sync info file; in project mode it is one
// descriptor pair per package found in the checkout.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"

	"github.com/scmtools/scmbridge/pkg/archive"
	"github.com/scmtools/scmbridge/pkg/assets"
	"github.com/scmtools/scmbridge/pkg/blob"
	"github.com/scmtools/scmbridge/pkg/descriptor"
	"github.com/scmtools/scmbridge/pkg/ref"
	"github.com/scmtools/scmbridge/pkg/submodule"
	"github.com/scmtools/scmbridge/pkg/vcs"
	"github.com/scmtools/scmbridge/pkg/walker"
)

const (
	// SyncInfoName is the provenance file written into every output
	// tree.
	SyncInfoName = "_scmsync.obsinfo"

	// projectConfigName is the project configuration passed through
	// from a project checkout.
	projectConfigName = "_config"

	// subdirStaging holds an extracted subdirectory while the rest of
	// the checkout is cleared away.
	subdirStaging = ".scmbridge-subdir"

	// maxLinkHops bounds symlink resolution so a link cycle inside
	// the checkout cannot hang the run.
	maxLinkHops = 40
)

// GitClient reads repository state. Satisfied by *vcs.Client.
type GitClient interface {
	RevParse(ctx context.Context, dir string) (string, error)
	CommitterTimestamp(ctx context.Context, dir string) (int64, error)
	LsTree(ctx context.Context, dir, revspec string) ([]vcs.TreeEntry, error)
}

// Checkouter materializes a reference as a work tree. Satisfied by
// *vcs.CheckoutProvider.
type Checkouter interface {
	Provide(ctx context.Context, r *ref.Reference, dir string) error
}

// AssetRunner invokes the external helper tools. Satisfied by
// *assets.Tools.
type AssetRunner interface {
	Fetch(ctx context.Context, dir string, archs []string) error
	DirFingerprint(ctx context.Context, dir string) (string, error)
	ExportLegacyTarball(ctx context.Context, dir string) error
}

// ProcessData carries everything one conversion run needs.
type ProcessData struct {
	// Ref is the parsed repository reference.
	Ref *ref.Reference

	// OutDir receives the checkout and is rewritten in place into
	// the final tree.
	OutDir string

	// ProjectMode generates package descriptors instead of
	// delivering the checkout content.
	ProjectMode bool

	// ProjectScmsync records the reference of the enclosing project
	// in the sync info file. Set when the service checks out one
	// package of a project it manages.
	ProjectScmsync string

	Client   GitClient
	Provider Checkouter
	Assets   AssetRunner

	// Cache keeps finished cpio archives between runs. Optional.
	Cache blob.Storage

	// FsCreator opens the output directory as a filesystem. Defaults
	// to the real one rooted at OutDir; tests substitute memfs.
	FsCreator func(dir string) billy.Filesystem
}

func (pd *ProcessData) fs() billy.Filesystem {
	if pd.FsCreator != nil {
		return pd.FsCreator(pd.OutDir)
	}
	return osfs.New(pd.OutDir)
}

// fingerprint adapts the asset tool's directory checksum to the
// checkout-relative paths the walker and packager hand out.
func (pd *ProcessData) fingerprint(ctx context.Context) func(rel string) (string, error) {
	return func(rel string) (string, error) {
		if pd.Assets == nil {
			return "", fmt.Errorf("no asset tool configured, cannot fingerprint %s", rel)
		}
		return pd.Assets.DirFingerprint(ctx, filepath.Join(pd.OutDir, rel))
	}
}

// Run converts pd.Ref into the output tree at pd.OutDir.
func Run(ctx context.Context, pd *ProcessData) error {
	log.Info().Str("url", pd.Ref.String()).Str("outdir", pd.OutDir).Bool("projectmode", pd.ProjectMode).Msg("converting repository reference")

	if err := pd.Provider.Provide(ctx, pd.Ref, pd.OutDir); err != nil {
		return err
	}

	fs := pd.fs()
	if pd.ProjectMode {
		return runProject(ctx, pd, fs)
	}
	return runPackage(ctx, pd, fs)
}

// runPackage delivers the checkout itself: subdirectory extracted if
// requested, assets fetched, provenance recorded, metadata dropped,
// optionally repackaged into cpio archives.
func runPackage(ctx context.Context, pd *ProcessData, fs billy.Filesystem) error {
	head, err := pd.Client.RevParse(ctx, pd.OutDir)
	if err != nil {
		return err
	}
	mtime, err := pd.Client.CommitterTimestamp(ctx, pd.OutDir)
	if err != nil {
		return err
	}

	if pd.Ref.Subdir != "" {
		if err := extractSubdir(fs, pd.Ref.Subdir); err != nil {
			return err
		}
	}

	if pd.Assets != nil {
		if err := pd.Assets.Fetch(ctx, pd.OutDir, pd.Ref.Archs); err != nil {
			return err
		}
		if assets.HasLegacyPackaging(fs) {
			if err := pd.Assets.ExportLegacyTarball(ctx, pd.OutDir); err != nil {
				return err
			}
		}
	}

	if err := writeSyncInfo(fs, pd, head, mtime); err != nil {
		return err
	}

	if !pd.Ref.KeepMeta {
		if err := util.RemoveAll(fs, ".git"); err != nil {
			return err
		}
	}

	if pd.Ref.GenCpio {
		p := &archive.Packager{FS: fs, Cache: pd.Cache, Fingerprint: pd.fingerprint(ctx)}
		return p.PackageCheckout()
	}
	return nil
}

// runProject converts the checkout into descriptors: submodules from
// the committed configuration, packages from plain directories, links
// from symlink aliases. Everything outside the export set is removed.
func runProject(ctx context.Context, pd *ProcessData, fs billy.Filesystem) error {
	head, err := pd.Client.RevParse(ctx, pd.OutDir)
	if err != nil {
		return err
	}
	mtime, err := pd.Client.CommitterTimestamp(ctx, pd.OutDir)
	if err != nil {
		return err
	}

	if err := writeSyncInfo(fs, pd, head, mtime); err != nil {
		return err
	}

	w := descriptor.NewWriter(fs, pd.Ref.OnlyBuild, pd.Ref.EnforceBcntSyncTag)
	w.Retain(projectConfigName)
	w.Retain(SyncInfoName)

	subs, err := resolveSubmodules(ctx, pd, fs, head)
	if err != nil {
		return err
	}

	sess := walker.NewSession(walker.Config{
		FS:          fs,
		Ref:         pd.Ref,
		Writer:      w,
		Submodules:  subs,
		Fingerprint: pd.fingerprint(ctx),
	})
	if err := sess.Run(); err != nil {
		return err
	}
	if err := sess.Cleanup(); err != nil {
		return err
	}

	log.Info().Int("packages", len(w.Exported())).Msg("generated project descriptors")
	return nil
}

func resolveSubmodules(ctx context.Context, pd *ProcessData, fs billy.Filesystem, head string) ([]submodule.Resolved, error) {
	gitmodules, err := util.ReadFile(fs, ".gitmodules")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading submodule configuration: %w", err)
	}

	entries, err := pd.Client.LsTree(ctx, pd.OutDir, "HEAD")
	if err != nil {
		return nil, err
	}

	r := &submodule.Resolver{Parent: pd.Ref, Head: head}
	return r.Resolve(gitmodules, submodule.Revisions(entries))
}

// writeSyncInfo records the provenance of the output tree. Optional
// lines are omitted rather than written empty.
func writeSyncInfo(fs billy.Filesystem, pd *ProcessData, commit string, mtime int64) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "mtime: %d\n", mtime)
	fmt.Fprintf(&buf, "commit: %s\n", commit)
	fmt.Fprintf(&buf, "url: %s\n", pd.Ref.Canonical())
	if pd.Ref.Revision != "" {
		fmt.Fprintf(&buf, "revision: %s\n", pd.Ref.Revision)
	}
	if pd.Ref.Subdir != "" {
		fmt.Fprintf(&buf, "subdir: %s\n", pd.Ref.Subdir)
	}
	if pd.ProjectScmsync != "" {
		fmt.Fprintf(&buf, "projectscmsync: %s\n", pd.ProjectScmsync)
	}

	if err := util.WriteFile(fs, SyncInfoName, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", SyncInfoName, err)
	}
	return nil
}

// extractSubdir replaces the checkout content with the content of one
// of its subdirectories. The repository metadata directory stays at
// the root so the later metadata handling is the same with and
// without a subdirectory.
func extractSubdir(fs billy.Filesystem, subdir string) error {
	resolved, err := resolveWithin(fs, subdir)
	if err != nil {
		return err
	}
	if resolved == "." {
		return nil
	}

	fi, err := fs.Stat(resolved)
	if err != nil {
		return fmt.Errorf("subdir %q: %w", subdir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("subdir %q is not a directory", subdir)
	}

	log.Debug().Str("subdir", subdir).Str("resolved", resolved).Msg("extracting subdirectory")

	if err := fs.Rename(resolved, subdirStaging); err != nil {
		return fmt.Errorf("staging subdir %q: %w", subdir, err)
	}

	infos, err := fs.ReadDir(".")
	if err != nil {
		return fmt.Errorf("listing checkout root: %w", err)
	}
	for _, fi := range infos {
		name := fi.Name()
		if name == subdirStaging || name == ".git" {
			continue
		}
		if err := removeEntry(fs, name); err != nil {
			return err
		}
	}

	children, err := fs.ReadDir(subdirStaging)
	if err != nil {
		return fmt.Errorf("listing staged subdir: %w", err)
	}
	for _, child := range children {
		from := path.Join(subdirStaging, child.Name())
		if err := fs.Rename(from, child.Name()); err != nil {
			return fmt.Errorf("moving %s: %w", child.Name(), err)
		}
	}
	return util.RemoveAll(fs, subdirStaging)
}

// resolveWithin resolves rel inside the root of fs, following
// symlinks segment by segment, and fails as soon as any step would
// leave the root. This guards against checkouts that smuggle an
// escape through a committed symlink.
func resolveWithin(fs billy.Filesystem, rel string) (string, error) {
	if path.IsAbs(rel) {
		return "", fmt.Errorf("subdir %q is not relative", rel)
	}

	resolved := "."
	pending := strings.Split(path.Clean(rel), "/")
	hops := 0

	for len(pending) > 0 {
		seg := pending[0]
		pending = pending[1:]

		switch seg {
		case "", ".":
			continue
		case "..":
			if resolved == "." {
				return "", fmt.Errorf("subdir %q escapes the checkout root", rel)
			}
			resolved = path.Dir(resolved)
			continue
		}

		next := path.Join(resolved, seg)
		fi, err := fs.Lstat(next)
		if err != nil {
			return "", fmt.Errorf("resolving subdir %q: %w", rel, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > maxLinkHops {
			return "", fmt.Errorf("subdir %q resolves through too many symlinks", rel)
		}
		target, err := fs.Readlink(next)
		if err != nil {
			return "", fmt.Errorf("resolving subdir %q: %w", rel, err)
		}
		if path.IsAbs(target) {
			return "", fmt.Errorf("subdir %q resolves outside the checkout", rel)
		}
		pending = append(strings.Split(path.Clean(target), "/"), pending...)
	}

	return resolved, nil
}

func removeEntry(fs billy.Filesystem, name string) error {
	fi, err := fs.Lstat(name)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return util.RemoveAll(fs, name)
	}
	return fs.Remove(name)
}
