// Package ref parses repository references as they arrive on the
// command line: an address optionally carrying service options in the
// query string and a revision in the fragment.
package ref

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	// Name matches package names accepted in generated descriptors.
	Name = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

	// Commit matches full object ids, sha1 or sha256.
	Commit = regexp.MustCompile(`^[0-9a-fA-F]{40,}$`)

	schemeHint = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9.-]*)\+([A-Za-z][A-Za-z0-9+.-]*://)`)
)

// ValidName reports whether s is usable as a package name.
func ValidName(s string) bool {
	return Name.MatchString(s)
}

// IsCommit reports whether rev is a full commit id rather than a
// branch or tag name.
func IsCommit(rev string) bool {
	return Commit.MatchString(rev)
}

// Reference is a parsed repository reference. The recognized query
// options are consumed into fields; anything else stays part of the
// address so it reaches the remote untouched.
type Reference struct {
	// Revision is the fragment part: a branch, tag or commit id.
	// Empty means the remote default branch.
	Revision string

	// Subdir restricts the checkout result to one subdirectory.
	Subdir string

	// Archs are the architectures passed to the asset download tool.
	Archs []string

	// KeepMeta keeps the repository metadata directory in the result
	// and forces a full-depth clone.
	KeepMeta bool

	// NoLFS disables large-file smudging during checkout.
	NoLFS bool

	// Shallow forces a shallow clone even when KeepMeta or the
	// environment would ask for full history.
	Shallow bool

	// GenCpio repackages the checkout into cpio archives.
	GenCpio bool

	// EnforceBcntSyncTag adds a build-counter sync tag to generated
	// package descriptors.
	EnforceBcntSyncTag bool

	// OnlyBuild limits descriptor generation to the named packages.
	// Empty means no restriction.
	OnlyBuild []string

	// base is the address with recognized options and the fragment
	// stripped, and without the scheme hint.
	base string

	// hint is the tag joined to the scheme with "+", e.g. "git" in
	// git+https. Empty when the scheme carries no hint.
	hint string
}

// Parse splits raw into address, revision and service options.
// Unknown query parameters are preserved in the address. A malformed
// query string is tolerated best-effort; a subdirectory escaping the
// checkout root is an error.
func Parse(raw string) (*Reference, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty repository reference")
	}

	r := &Reference{}
	rest := raw

	if i := strings.Index(rest, "#"); i >= 0 {
		r.Revision = rest[i+1:]
		rest = rest[:i]
	}

	var query string
	if i := strings.Index(rest, "?"); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}

	if query != "" {
		// ParseQuery fills in what it understood even on error.
		vals, _ := url.ParseQuery(query)

		r.Subdir = vals.Get("subdir")
		r.Archs = append(r.Archs, vals["arch"]...)
		r.OnlyBuild = append(r.OnlyBuild, vals["onlybuild"]...)
		r.NoLFS = vals.Get("lfs") == "0"
		r.KeepMeta = flagSet(vals, "keepmeta")
		r.Shallow = flagSet(vals, "shallow")
		r.GenCpio = flagSet(vals, "gencpio")
		r.EnforceBcntSyncTag = flagSet(vals, "enforce_bcntsynctag")
		for _, k := range []string{"subdir", "arch", "onlybuild", "lfs", "keepmeta", "shallow", "gencpio", "enforce_bcntsynctag"} {
			vals.Del(k)
		}

		if leftover := vals.Encode(); leftover != "" {
			rest = rest + "?" + leftover
		}
	}

	if r.Subdir != "" && !containedSubdir(r.Subdir) {
		return nil, fmt.Errorf("subdir %q escapes the checkout root", r.Subdir)
	}

	if m := schemeHint.FindStringSubmatch(rest); m != nil {
		r.hint = m[1]
		rest = rest[len(m[1])+1:]
	}
	r.base = rest

	return r, nil
}

func flagSet(vals url.Values, key string) bool {
	vs, ok := vals[key]
	if !ok {
		return false
	}
	return len(vs) == 0 || vs[0] != "0"
}

func containedSubdir(s string) bool {
	if path.IsAbs(s) {
		return false
	}
	clean := path.Clean(s)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// CloneURL is the address handed to the checkout tool: no scheme
// hint, no recognized options, no fragment.
func (r *Reference) CloneURL() string {
	return r.base
}

// Canonical is the address as the service ecosystem refers to it,
// with the scheme hint restored.
func (r *Reference) Canonical() string {
	if r.hint == "" {
		return r.base
	}
	return r.hint + "+" + r.base
}

// String renders the full reference including the revision fragment.
func (r *Reference) String() string {
	if r.Revision == "" {
		return r.Canonical()
	}
	return r.Canonical() + "#" + r.Revision
}

// SubdirRef derives the reference for a subdirectory package: the
// parent address with the subdir option set and the parent revision,
// if any, as the fragment.
func (r *Reference) SubdirRef(rel string) string {
	sep := "?"
	if strings.Contains(r.base, "?") {
		sep = "&"
	}
	s := r.Canonical() + sep + "subdir=" + escapeQueryPath(rel)
	if r.Revision != "" {
		s += "#" + r.Revision
	}
	return s
}

// PinnedProject renders the project back-reference: the canonical
// address pinned to the given commit.
func (r *Reference) PinnedProject(commit string) string {
	return r.Canonical() + "#" + commit
}

// escapeQueryPath escapes a relative path for use as a query value
// while keeping path separators readable.
func escapeQueryPath(p string) string {
	return strings.ReplaceAll(url.QueryEscape(p), "%2F", "/")
}
