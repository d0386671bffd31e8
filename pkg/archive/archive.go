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

// Package archive repackages a checkout the way source services
// deliver it: one cpio archive per directory, plus one shared archive
// collecting dotfiles and symlinks.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/cavaliercoder/go-cpio"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"

	"github.com/scmtools/scmbridge/pkg/blob"
)

const (
	archiveSuffix = ".obscpio"
	specialsName  = "_specials" + archiveSuffix
)

// Packager converts the directories of a checkout into archives.
type Packager struct {
	// FS is the checkout root.
	FS billy.Filesystem

	// Cache stores finished archives keyed by directory fingerprint.
	// Optional.
	Cache blob.Storage

	// Fingerprint keys cache entries. Without it the cache is never
	// consulted.
	Fingerprint func(rel string) (string, error)
}

// PackageCheckout archives every directory in the checkout root and
// then collects the remaining dotfiles and symlinks into a shared
// archive. Directories are consumed before specials are computed so a
// dotfile cannot end up in both places.
func (p *Packager) PackageCheckout() error {
	infos, err := p.FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("listing checkout root: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	for _, fi := range infos {
		name := fi.Name()
		if name == ".git" || !isDir(p.FS, name) {
			continue
		}
		if err := p.packDir(name); err != nil {
			return err
		}
	}

	return p.packSpecials()
}

func (p *Packager) packDir(name string) error {
	key := p.cacheKey(name)

	data, ok := p.cacheLookup(key)
	if !ok {
		var buf bytes.Buffer
		if err := Pack(p.FS, name, &buf); err != nil {
			return err
		}
		data = buf.Bytes()

		if key != "" {
			if err := p.Cache.Write(key, data); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("storing archive in cache failed")
			}
		}
	}

	if err := util.WriteFile(p.FS, name+archiveSuffix, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name+archiveSuffix, err)
	}
	return util.RemoveAll(p.FS, name)
}

func (p *Packager) cacheKey(name string) string {
	if p.Cache == nil || p.Fingerprint == nil {
		return ""
	}
	fp, err := p.Fingerprint(name)
	if err != nil {
		log.Warn().Err(err).Str("directory", name).Msg("fingerprint for archive cache failed")
		return ""
	}
	return name + "-" + fp + archiveSuffix
}

func (p *Packager) cacheLookup(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	ok, err := p.Cache.Exists(key)
	if err != nil || !ok {
		return nil, false
	}
	data, err := p.Cache.Read(key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("reading archive from cache failed")
		return nil, false
	}
	log.Debug().Str("key", key).Msg("archive cache hit")
	return data, true
}

func (p *Packager) packSpecials() error {
	infos, err := p.FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("listing checkout root: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	var specials []string
	for _, fi := range infos {
		name := fi.Name()
		if isDir(p.FS, name) {
			continue
		}
		if strings.HasPrefix(name, ".") || isSymlink(p.FS, name) {
			specials = append(specials, name)
		}
	}
	if len(specials) == 0 {
		return nil
	}

	var buf bytes.Buffer
	w := cpio.NewWriter(&buf)
	for _, name := range specials {
		if err := writeEntry(w, p.FS, name, name); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing %s: %w", specialsName, err)
	}

	if err := util.WriteFile(p.FS, specialsName, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", specialsName, err)
	}

	for _, name := range specials {
		if err := p.FS.Remove(name); err != nil {
			return err
		}
	}
	return nil
}

// Pack writes dir and everything below it into one cpio archive.
// Member names are relative to the checkout root, so the archive
// carries the directory itself as its first member.
func Pack(fs billy.Filesystem, dir string, out io.Writer) error {
	w := cpio.NewWriter(out)
	if err := writeEntry(w, fs, dir, dir); err != nil {
		return err
	}
	return w.Close()
}

func writeEntry(w *cpio.Writer, fs billy.Filesystem, rel, name string) error {
	fi, err := fs.Lstat(rel)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", rel, err)
	}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := fs.Readlink(rel)
		if err != nil {
			return fmt.Errorf("reading symlink %s: %w", rel, err)
		}
		hdr := &cpio.Header{
			Name:    name,
			Mode:    cpio.ModeSymlink | 0o777,
			Size:    int64(len(target)),
			ModTime: fi.ModTime(),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := w.Write([]byte(target)); err != nil {
			return err
		}

	case fi.IsDir():
		hdr := &cpio.Header{
			Name:    name,
			Mode:    cpio.ModeDir | cpio.FileMode(fi.Mode().Perm()),
			ModTime: fi.ModTime(),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return err
		}

		children, err := fs.ReadDir(rel)
		if err != nil {
			return fmt.Errorf("listing %s: %w", rel, err)
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })
		for _, child := range children {
			childRel := path.Join(rel, child.Name())
			if err := writeEntry(w, fs, childRel, name+"/"+child.Name()); err != nil {
				return err
			}
		}

	default:
		hdr := &cpio.Header{
			Name:    name,
			Mode:    cpio.ModeRegular | cpio.FileMode(fi.Mode().Perm()),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := fs.Open(rel)
		if err != nil {
			return fmt.Errorf("opening %s: %w", rel, err)
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("archiving %s: %w", rel, err)
		}
	}
	return nil
}

func isDir(fs billy.Filesystem, name string) bool {
	fi, err := fs.Lstat(name)
	return err == nil && fi.IsDir()
}

func isSymlink(fs billy.Filesystem, name string) bool {
	fi, err := fs.Lstat(name)
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}
