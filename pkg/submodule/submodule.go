// Package submodule turns the submodule configuration of a project
// checkout into resolved package references: absolute address plus
// the commit pinned in the superproject tree.
package submodule

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/config"
	"github.com/rs/zerolog/log"

	"github.com/scmtools/scmbridge/pkg/ref"
	"github.com/scmtools/scmbridge/pkg/vcs"
)

// Resolved is one submodule ready for descriptor generation.
type Resolved struct {
	// Name doubles as package name and checkout path; only top
	// level submodules become packages, so both are equal.
	Name string

	// URL is the absolute submodule address.
	URL string

	// Revision is the commit pinned in the superproject tree.
	Revision string

	// ProjectRef is the pinned back reference to the superproject.
	ProjectRef string
}

// ScmSync renders the sync reference for the descriptor.
func (r Resolved) ScmSync() string {
	return r.URL + "#" + r.Revision
}

// Revisions extracts the pinned submodule commits from a tree
// listing, keyed by path.
func Revisions(entries []vcs.TreeEntry) map[string]string {
	revs := map[string]string{}
	for _, e := range entries {
		if e.Kind == "commit" {
			revs[e.Path] = e.OID
		}
	}
	return revs
}

// Resolver resolves submodule entries against their superproject.
type Resolver struct {
	// Parent is the superproject reference.
	Parent *ref.Reference

	// Head is the checked out superproject commit.
	Head string
}

// Resolve parses submodule configuration and returns the resolved
// top level submodules in deterministic order. A submodule without a
// pinned revision in the tree is an error: the checkout and its
// configuration disagree and generated descriptors would not be
// reproducible.
func (r *Resolver) Resolve(gitmodules []byte, revisions map[string]string) ([]Resolved, error) {
	mods := config.NewModules()
	if err := mods.Unmarshal(gitmodules); err != nil {
		return nil, fmt.Errorf("parsing submodule configuration: %w", err)
	}

	names := make([]string, 0, len(mods.Submodules))
	for name := range mods.Submodules {
		names = append(names, name)
	}
	sort.Strings(names)

	projectRef := r.Parent.PinnedProject(r.Head)

	var out []Resolved
	for _, name := range names {
		sub := mods.Submodules[name]
		if sub.Path == "" || sub.URL == "" {
			log.Warn().Str("submodule", name).Msg("submodule entry without path or url, ignoring")
			continue
		}
		if strings.Contains(sub.Path, "/") {
			// nested submodules belong to the package that
			// contains them, not to the project
			log.Debug().Str("submodule", name).Str("path", sub.Path).Msg("skipping nested submodule")
			continue
		}
		if !ref.ValidName(sub.Path) {
			return nil, fmt.Errorf("submodule path %q is not a valid package name", sub.Path)
		}

		revision, ok := revisions[sub.Path]
		if !ok {
			return nil, fmt.Errorf("submodule %q has no pinned revision in the superproject tree", sub.Path)
		}

		addr := sub.URL
		if strings.HasPrefix(addr, "./") || strings.HasPrefix(addr, "../") {
			addr = joinRelative(r.Parent.Canonical(), addr)
		}

		out = append(out, Resolved{
			Name:       sub.Path,
			URL:        addr,
			Revision:   revision,
			ProjectRef: projectRef,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// joinRelative resolves a relative submodule address against the
// parent repository address. The parent is treated as a directory,
// matching how git itself resolves relative submodule urls, so a
// single ".." selects a sibling repository.
func joinRelative(base, rel string) string {
	base = strings.TrimRight(base, "/")

	if u, err := url.Parse(base); err == nil && u.Scheme != "" && (u.Host != "" || strings.HasPrefix(u.Path, "/")) {
		u.Path = path.Join(u.Path, rel)
		return u.String()
	}

	// scp style addresses and plain paths are joined textually
	if host, rest, ok := strings.Cut(base, ":"); ok && !strings.Contains(host, "/") {
		return host + ":" + path.Join(rest, rel)
	}
	return path.Join(base, rel)
}
