// Package walker converts a project checkout into a set of package
// descriptors. The walk consumes the tree it operates on: every
// directory entry is either turned into a descriptor, kept because it
// belongs to the export set, or removed.
package walker

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"

	"github.com/scmtools/scmbridge/pkg/descriptor"
	"github.com/scmtools/scmbridge/pkg/ref"
	"github.com/scmtools/scmbridge/pkg/submodule"
)

// FingerprintFunc computes the tracking fingerprint of one directory,
// given its path relative to the output root.
type FingerprintFunc func(rel string) (string, error)

// Config wires a Session.
type Config struct {
	// FS is the checkout being converted. The Session owns it: by
	// the time Cleanup returns, only the export set is left.
	FS billy.Filesystem

	// Ref is the project reference the checkout came from.
	Ref *ref.Reference

	// Writer receives the generated descriptors.
	Writer *descriptor.Writer

	// Submodules are the resolved top level submodules.
	Submodules []submodule.Resolved

	// Fingerprint computes directory fingerprints for subdirectory
	// packages.
	Fingerprint FingerprintFunc
}

// Session is one project conversion. Each name is processed at most
// once across submodules, directories and symlink aliases; the first
// owner wins.
type Session struct {
	fs          billy.Filesystem
	ref         *ref.Reference
	writer      *descriptor.Writer
	subs        []submodule.Resolved
	fingerprint FingerprintFunc

	// subPaths maps submodule paths to their pinned revisions.
	subPaths map[string]string

	// processed holds every package name a descriptor was emitted
	// for, or that was consumed without one.
	processed map[string]struct{}
}

// NewSession returns a Session over cfg.FS.
func NewSession(cfg Config) *Session {
	return &Session{
		fs:          cfg.FS,
		ref:         cfg.Ref,
		writer:      cfg.Writer,
		subs:        cfg.Submodules,
		fingerprint: cfg.Fingerprint,
		subPaths:    map[string]string{},
		processed:   map[string]struct{}{},
	}
}

// Run converts the checkout. Submodules are emitted first so their
// names own the processed set before any directory is looked at, then
// the tree is walked from the root.
func (s *Session) Run() error {
	if err := s.emitSubmodules(); err != nil {
		return err
	}
	return s.walk(".")
}

func (s *Session) emitSubmodules() error {
	for _, sub := range s.subs {
		s.subPaths[sub.Name] = sub.Revision
		if _, done := s.processed[sub.Name]; done {
			continue
		}
		s.processed[sub.Name] = struct{}{}

		err := s.writer.WritePackage(descriptor.Package{
			Name:       sub.Name,
			ScmSync:    sub.ScmSync(),
			Info:       sub.Revision,
			ProjectRef: sub.ProjectRef,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// walk processes one directory. A directive file can redirect the
// walk into subdirectories before, or instead of, the directory's own
// entries.
func (s *Session) walk(dir string) error {
	d, err := s.readDirective(dir)
	if err != nil {
		return err
	}

	var excluded map[string]struct{}
	if d != nil {
		excluded = make(map[string]struct{}, len(d.Subdirs))
		for _, child := range d.Subdirs {
			first, _, _ := strings.Cut(child, "/")
			excluded[first] = struct{}{}

			rel := path.Join(dir, child)
			fi, err := s.fs.Stat(rel)
			if err != nil || !fi.IsDir() {
				log.Warn().Str("directory", rel).Msg("directive entry is not a directory, ignoring")
				continue
			}
			if err := s.walk(rel); err != nil {
				return err
			}
		}
		if !d.includeToplevel() {
			return nil
		}
	}

	plan, err := s.classify(dir, excluded)
	if err != nil {
		return err
	}
	return s.apply(plan)
}

type action int

const (
	// actionPackage turns a directory into a subdirectory package.
	actionPackage action = iota

	// actionLink turns a symlink into a link descriptor pair.
	actionLink

	// actionRemoveDir drops a directory without a descriptor.
	actionRemoveDir

	// actionRemoveEntry drops a single file or symlink.
	actionRemoveEntry
)

type planEntry struct {
	name   string
	rel    string
	action action
	target string
}

// classify decides the fate of every entry in dir without touching
// the tree. Keeping decisions separate from mutations means symlink
// targets are judged against the directory as checked out, not
// against a half-consumed one.
func (s *Session) classify(dir string, excluded map[string]struct{}) ([]planEntry, error) {
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	var plan []planEntry
	for _, fi := range infos {
		name := fi.Name()
		if name == ".git" {
			continue
		}
		rel := path.Join(dir, name)

		mode := fi.Mode()
		if lst, err := s.fs.Lstat(rel); err == nil {
			mode = lst.Mode()
		}

		_, done := s.processed[name]

		switch {
		case mode&os.ModeSymlink != 0:
			if done {
				plan = append(plan, planEntry{name: name, rel: rel, action: actionRemoveEntry})
				continue
			}
			target, drop := s.classifyLink(dir, rel)
			if target != "" {
				plan = append(plan, planEntry{name: name, rel: rel, action: actionLink, target: target})
			} else if drop {
				plan = append(plan, planEntry{name: name, rel: rel, action: actionRemoveEntry})
			}
		case mode.IsDir():
			if _, isSub := s.subPaths[rel]; isSub {
				// materialized as an empty directory by the
				// checkout, descriptor already emitted
				plan = append(plan, planEntry{name: name, rel: rel, action: actionRemoveDir})
				continue
			}
			if done {
				continue
			}
			if _, skip := excluded[name]; skip {
				continue
			}
			plan = append(plan, planEntry{name: name, rel: rel, action: actionPackage})
		default:
			if s.writer.Retained(name) {
				continue
			}
			plan = append(plan, planEntry{name: name, rel: rel, action: actionRemoveEntry})
		}
	}
	return plan, nil
}

// classifyLink inspects a symlink. A non-empty target makes it a link
// package; drop removes it; neither leaves it in place for the final
// cleanup.
func (s *Session) classifyLink(dir, rel string) (target string, drop bool) {
	t, err := s.fs.Readlink(rel)
	if err != nil {
		log.Warn().Err(err).Str("path", rel).Msg("unreadable symlink, dropping")
		return "", true
	}

	if strings.Contains(t, "/") || t == "." || t == ".." {
		log.Warn().Str("path", rel).Str("target", t).Msg("symlink target leaves the directory, ignoring it")
		return "", false
	}
	if !ref.ValidName(t) {
		log.Debug().Str("path", rel).Str("target", t).Msg("symlink target is not a package name, dropping")
		return "", true
	}

	if _, isSub := s.subPaths[t]; isSub {
		return t, false
	}
	if fi, err := s.fs.Stat(path.Join(dir, t)); err == nil && fi.IsDir() {
		return t, false
	}

	log.Debug().Str("path", rel).Str("target", t).Msg("dangling symlink, dropping")
	return "", true
}

func (s *Session) apply(plan []planEntry) error {
	for _, e := range plan {
		var err error
		switch e.action {
		case actionPackage:
			err = s.emitPackageDir(e)
		case actionLink:
			err = s.emitLink(e)
		case actionRemoveDir:
			err = util.RemoveAll(s.fs, e.rel)
		case actionRemoveEntry:
			if s.writer.Retained(e.name) {
				// the name was claimed by a descriptor written
				// earlier in this plan
				continue
			}
			err = s.fs.Remove(e.rel)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) emitPackageDir(e planEntry) error {
	if !ref.ValidName(e.name) {
		log.Warn().Str("directory", e.rel).Msg("directory name is not a valid package name, removing without descriptor")
		return util.RemoveAll(s.fs, e.rel)
	}
	if !s.writer.Allowed(e.name) {
		// no descriptor wanted, so skip the fingerprint round trip
		s.processed[e.name] = struct{}{}
		return util.RemoveAll(s.fs, e.rel)
	}

	info, err := s.fingerprint(e.rel)
	if err != nil {
		return err
	}
	s.processed[e.name] = struct{}{}

	if err := util.RemoveAll(s.fs, e.rel); err != nil {
		return err
	}

	return s.writer.WritePackage(descriptor.Package{
		Name:    e.name,
		ScmSync: s.ref.SubdirRef(e.rel),
		Info:    info,
	})
}

func (s *Session) emitLink(e planEntry) error {
	if !ref.ValidName(e.name) {
		log.Warn().Str("path", e.rel).Msg("symlink name is not a valid package name, removing without descriptor")
		return s.fs.Remove(e.rel)
	}
	s.processed[e.name] = struct{}{}

	if err := s.writer.WriteLink(e.target, e.name); err != nil {
		return err
	}
	return s.fs.Remove(e.rel)
}

// Cleanup removes everything from the output root that is not part of
// the export set. The repository metadata directory survives only
// when the reference asks for it.
func (s *Session) Cleanup() error {
	infos, err := s.fs.ReadDir(".")
	if err != nil {
		return fmt.Errorf("listing output root: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	for _, fi := range infos {
		name := fi.Name()
		if name == ".git" {
			if s.ref.KeepMeta {
				continue
			}
			if err := util.RemoveAll(s.fs, name); err != nil {
				return err
			}
			continue
		}
		if s.writer.Retained(name) {
			continue
		}

		mode := fi.Mode()
		if lst, err := s.fs.Lstat(name); err == nil {
			mode = lst.Mode()
		}
		if mode.IsDir() {
			err = util.RemoveAll(s.fs, name)
		} else {
			err = s.fs.Remove(name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
