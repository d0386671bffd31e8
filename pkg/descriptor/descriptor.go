// Package descriptor generates the build service package descriptors
// that a project checkout is converted into: one xml file per
// package, an info file carrying its tracking fingerprint and, for
// symlinked packages, a link file.
package descriptor

import (
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"
)

// Package describes one generated package entry.
type Package struct {
	// Name is the package name, also the output file stem.
	Name string

	// ScmSync is the pinned reference the build service will sync
	// the package from.
	ScmSync string

	// Info is the tracking fingerprint written to the info file.
	// Empty means no info file.
	Info string

	// ProjectRef points back at the pinned project the package was
	// split out of. Empty for packages that need no back reference.
	ProjectRef string
}

type packageElem struct {
	XMLName     xml.Name `xml:"package"`
	Name        string   `xml:"name,attr"`
	ScmSync     string   `xml:"scmsync,omitempty"`
	BcntSyncTag string   `xml:"bcntsynctag,omitempty"`
	URL         string   `xml:"url,omitempty"`
}

type linkElem struct {
	XMLName xml.Name `xml:"link"`
	Package string   `xml:"package,attr"`
	CICount string   `xml:"cicount,attr"`
}

// Writer emits descriptors into the output root and keeps track of
// every file that must survive the final cleanup.
type Writer struct {
	fs       billy.Filesystem
	allow    map[string]struct{}
	syncTag  bool
	exported map[string]struct{}
}

// NewWriter returns a Writer placing descriptors into the root of fs.
// A non-empty onlyBuild list suppresses descriptors for all other
// package names. enforceSyncTag adds a build counter sync tag to each
// package element.
func NewWriter(fs billy.Filesystem, onlyBuild []string, enforceSyncTag bool) *Writer {
	w := &Writer{
		fs:       fs,
		syncTag:  enforceSyncTag,
		exported: map[string]struct{}{},
	}
	if len(onlyBuild) > 0 {
		w.allow = make(map[string]struct{}, len(onlyBuild))
		for _, name := range onlyBuild {
			w.allow[name] = struct{}{}
		}
	}
	return w
}

// Allowed reports whether descriptors for name are generated at all.
func (w *Writer) Allowed(name string) bool {
	if w.allow == nil {
		return true
	}
	_, ok := w.allow[name]
	return ok
}

// Retain registers a filename that is not written by this Writer but
// must survive cleanup, e.g. project configuration passed through
// from the checkout.
func (w *Writer) Retain(name string) {
	w.exported[name] = struct{}{}
}

// Retained reports whether name belongs to the export set.
func (w *Writer) Retained(name string) bool {
	_, ok := w.exported[name]
	return ok
}

// Exported returns the export set in sorted order.
func (w *Writer) Exported() []string {
	names := make([]string, 0, len(w.exported))
	for name := range w.exported {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WritePackage emits the xml descriptor and, when p.Info is set, the
// info file for one package. Packages outside the allow list are
// silently skipped.
func (w *Writer) WritePackage(p Package) error {
	if !w.Allowed(p.Name) {
		log.Debug().Str("package", p.Name).Msg("package not in allow list, skipping descriptor")
		return nil
	}

	elem := packageElem{
		Name:    p.Name,
		ScmSync: p.ScmSync,
		URL:     p.ProjectRef,
	}
	if w.syncTag {
		elem.BcntSyncTag = p.Name
	}

	if err := w.writeXML(p.Name+".xml", elem); err != nil {
		return err
	}

	if p.Info != "" {
		if err := w.write(p.Name+".info", []byte(p.Info+"\n")); err != nil {
			return err
		}
	}

	log.Debug().Str("package", p.Name).Str("scmsync", p.ScmSync).Msg("generated package descriptor")
	return nil
}

// WriteLink emits the descriptor pair for a package that is an alias
// of target: an xml descriptor without sync information and a link
// file pointing at the target.
func (w *Writer) WriteLink(target, name string) error {
	if !w.Allowed(name) {
		log.Debug().Str("package", name).Msg("package not in allow list, skipping link")
		return nil
	}

	elem := packageElem{Name: name}
	if w.syncTag {
		elem.BcntSyncTag = name
	}
	if err := w.writeXML(name+".xml", elem); err != nil {
		return err
	}

	link := linkElem{Package: target, CICount: "copy"}
	if err := w.writeXML(name+".link", link); err != nil {
		return err
	}

	log.Debug().Str("package", name).Str("target", target).Msg("generated link descriptor")
	return nil
}

func (w *Writer) writeXML(filename string, v interface{}) error {
	data, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filename, err)
	}
	return w.write(filename, append(data, '\n'))
}

func (w *Writer) write(filename string, data []byte) error {
	if err := util.WriteFile(w.fs, filename, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	w.exported[filename] = struct{}{}
	return nil
}
