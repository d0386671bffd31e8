package walker

import (
	"sort"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmtools/scmbridge/pkg/descriptor"
	"github.com/scmtools/scmbridge/pkg/ref"
	"github.com/scmtools/scmbridge/pkg/submodule"
)

const (
	subRevision = "29ccb38ab67a914c24c7c17e320e867380d261f2"
	headCommit  = "f5dcb3ee32afd172e203b2457a7e7d4bb7bbd076"
)

func projectRef(t *testing.T, raw string) *ref.Reference {
	t.Helper()
	r, err := ref.Parse(raw)
	require.NoError(t, err)
	return r
}

func writeTree(t *testing.T, fs billy.Filesystem, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, util.WriteFile(fs, name, []byte(content), 0o644))
	}
}

func listRoot(t *testing.T, fs billy.Filesystem) []string {
	t.Helper()
	infos, err := fs.ReadDir(".")
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names
}

func countingFingerprint(calls *[]string) FingerprintFunc {
	return func(rel string) (string, error) {
		*calls = append(*calls, rel)
		return "srcmd5-" + rel, nil
	}
}

func TestRunConvertsProject(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		".gitmodules":       "[submodule \"libeconf\"]\n\tpath = libeconf\n\turl = ../libeconf\n",
		"_config":           "Prefer: aaa_base\n",
		"README.md":         "project readme\n",
		"libeconf/.gitkeep": "",
		"aaa_base/aaa.spec": "Name: aaa_base\n",
	})
	require.NoError(t, fs.Symlink("aaa_base", "aaa_base-mini"))

	r := projectRef(t, "https://example.com/prj#main")
	w := descriptor.NewWriter(fs, nil, false)
	w.Retain("_config")

	var fpCalls []string
	sess := NewSession(Config{
		FS:     fs,
		Ref:    r,
		Writer: w,
		Submodules: []submodule.Resolved{{
			Name:       "libeconf",
			URL:        "https://example.com/libeconf",
			Revision:   subRevision,
			ProjectRef: "https://example.com/prj#" + headCommit,
		}},
		Fingerprint: countingFingerprint(&fpCalls),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())

	assert.Equal(t, []string{"aaa_base"}, fpCalls)
	assert.Equal(t, []string{
		"_config",
		"aaa_base-mini.link", "aaa_base-mini.xml",
		"aaa_base.info", "aaa_base.xml",
		"libeconf.info", "libeconf.xml",
	}, listRoot(t, fs))

	// nothing else may survive, including the export set bookkeeping
	assert.Equal(t, listRoot(t, fs), w.Exported())

	subXML, err := util.ReadFile(fs, "libeconf.xml")
	require.NoError(t, err)
	assert.Contains(t, string(subXML), "<scmsync>https://example.com/libeconf#"+subRevision+"</scmsync>")
	assert.Contains(t, string(subXML), "<url>https://example.com/prj#"+headCommit+"</url>")

	subInfo, err := util.ReadFile(fs, "libeconf.info")
	require.NoError(t, err)
	assert.Equal(t, subRevision+"\n", string(subInfo))

	dirXML, err := util.ReadFile(fs, "aaa_base.xml")
	require.NoError(t, err)
	assert.Contains(t, string(dirXML), "<scmsync>https://example.com/prj?subdir=aaa_base#main</scmsync>")

	dirInfo, err := util.ReadFile(fs, "aaa_base.info")
	require.NoError(t, err)
	assert.Equal(t, "srcmd5-aaa_base\n", string(dirInfo))

	linkData, err := util.ReadFile(fs, "aaa_base-mini.link")
	require.NoError(t, err)
	assert.Equal(t, `<link package="aaa_base" cicount="copy"></link>`+"\n", string(linkData))
}

func TestRunIsIdempotent(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{"pkg/file": "x"})

	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&[]string{}),
	})

	require.NoError(t, sess.Run())
	first := listRoot(t, fs)

	require.NoError(t, sess.Run())
	assert.Equal(t, first, listRoot(t, fs))
}

func TestSubmoduleOwnsItsName(t *testing.T) {
	// a symlink or directory carrying a submodule's name must not
	// produce a second descriptor
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"other/file":        "x",
		"libeconf/.gitkeep": "",
	})
	require.NoError(t, fs.Symlink("libeconf", "libeconf-mini"))

	w := descriptor.NewWriter(fs, nil, false)
	var fpCalls []string
	sess := NewSession(Config{
		FS:     fs,
		Ref:    projectRef(t, "https://example.com/prj"),
		Writer: w,
		Submodules: []submodule.Resolved{{
			Name:     "libeconf",
			URL:      "https://example.com/libeconf",
			Revision: subRevision,
		}},
		Fingerprint: countingFingerprint(&fpCalls),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())

	assert.Equal(t, []string{"other"}, fpCalls)
	assert.Equal(t, []string{
		"libeconf-mini.link", "libeconf-mini.xml",
		"libeconf.info", "libeconf.xml",
		"other.info", "other.xml",
	}, listRoot(t, fs))

	info, err := util.ReadFile(fs, "libeconf.info")
	require.NoError(t, err)
	assert.Equal(t, subRevision+"\n", string(info))

	// aliasing a submodule produces a link, not a second package
	linkData, err := util.ReadFile(fs, "libeconf-mini.link")
	require.NoError(t, err)
	assert.Equal(t, `<link package="libeconf" cicount="copy"></link>`+"\n", string(linkData))
}

func TestSymlinkHandling(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{"real/file": "x"})
	require.NoError(t, fs.Symlink("real", "alias"))
	require.NoError(t, fs.Symlink("gone", "dangling"))
	require.NoError(t, fs.Symlink("a/b", "deep"))

	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&[]string{}),
	})

	require.NoError(t, sess.Run())

	// the alias became a link package
	_, err := fs.Stat("alias.link")
	assert.NoError(t, err)

	// the dangling symlink was consumed without a descriptor
	_, err = fs.Lstat("dangling")
	assert.Error(t, err)
	_, err = fs.Stat("dangling.xml")
	assert.Error(t, err)

	// the path-escaping symlink is only touched by the cleanup
	_, err = fs.Lstat("deep")
	assert.NoError(t, err)

	require.NoError(t, sess.Cleanup())
	_, err = fs.Lstat("deep")
	assert.Error(t, err)
	assert.Equal(t, []string{"alias.link", "alias.xml", "real.info", "real.xml"}, listRoot(t, fs))
}

func TestDirectiveWalksListedSubdirs(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"_subdirs":         "subdirs:\n  - ring1\n",
		"ring1/pkgA/file":  "a",
		"ring1/pkgB/file":  "b",
		"toplevelpkg/file": "t",
	})

	var fpCalls []string
	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj#main"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&fpCalls),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())

	assert.Equal(t, []string{"ring1/pkgA", "ring1/pkgB"}, fpCalls)
	assert.Equal(t, []string{"pkgA.info", "pkgA.xml", "pkgB.info", "pkgB.xml"}, listRoot(t, fs))

	xmlData, err := util.ReadFile(fs, "pkgA.xml")
	require.NoError(t, err)
	assert.Contains(t, string(xmlData), "<scmsync>https://example.com/prj?subdir=ring1/pkgA#main</scmsync>")
}

func TestDirectiveToplevelInclude(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"_subdirs":         "subdirs:\n  - ring1\ntoplevel: include\n",
		"ring1/pkgA/file":  "a",
		"toplevelpkg/file": "t",
	})

	var fpCalls []string
	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&fpCalls),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())

	// ring1 itself is excluded from toplevel packaging, its content
	// was already consumed by the directive walk
	assert.Equal(t, []string{"ring1/pkgA", "toplevelpkg"}, fpCalls)
	assert.Equal(t, []string{"pkgA.info", "pkgA.xml", "toplevelpkg.info", "toplevelpkg.xml"}, listRoot(t, fs))
}

func TestDirectiveEntryMissing(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"_subdirs": "subdirs:\n  - missing\ntoplevel: include\n",
		"pkg/file": "x",
	})

	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&[]string{}),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())
	assert.Equal(t, []string{"pkg.info", "pkg.xml"}, listRoot(t, fs))
}

func TestDirectiveMalformed(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"_subdirs": "subdirs: [unclosed\n",
	})

	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&[]string{}),
	})

	assert.Error(t, sess.Run())
}

func TestFirstOwnerWinsAcrossDirectiveLevels(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"_subdirs":       "subdirs:\n  - ring1\ntoplevel: include\n",
		"ring1/dup/file": "from ring1",
		"dup/file":       "from toplevel",
	})

	var fpCalls []string
	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&fpCalls),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())

	assert.Equal(t, []string{"ring1/dup"}, fpCalls)

	xmlData, err := util.ReadFile(fs, "dup.xml")
	require.NoError(t, err)
	assert.Contains(t, string(xmlData), "subdir=ring1/dup")
}

func TestOnlyBuildSkipsFingerprint(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"wanted/file":   "w",
		"unwanted/file": "u",
	})

	var fpCalls []string
	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj?onlybuild=wanted"),
		Writer:      descriptor.NewWriter(fs, []string{"wanted"}, false),
		Fingerprint: countingFingerprint(&fpCalls),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())

	assert.Equal(t, []string{"wanted"}, fpCalls)
	assert.Equal(t, []string{"wanted.info", "wanted.xml"}, listRoot(t, fs))
}

func TestInvalidDirectoryNameIsConsumed(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"bad name/file": "x",
		"good/file":     "y",
	})

	var fpCalls []string
	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&fpCalls),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())

	assert.Equal(t, []string{"good"}, fpCalls)
	assert.Equal(t, []string{"good.info", "good.xml"}, listRoot(t, fs))
}

func TestCleanupKeepsMetadataOnRequest(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{".git/config": "[core]\n"})

	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj?keepmeta=1"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&[]string{}),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())

	_, err := fs.Stat(".git/config")
	assert.NoError(t, err)
}

func TestCleanupRemovesMetadataByDefault(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{".git/config": "[core]\n"})

	sess := NewSession(Config{
		FS:          fs,
		Ref:         projectRef(t, "https://example.com/prj"),
		Writer:      descriptor.NewWriter(fs, nil, false),
		Fingerprint: countingFingerprint(&[]string{}),
	})

	require.NoError(t, sess.Run())
	require.NoError(t, sess.Cleanup())

	_, err := fs.Stat(".git")
	assert.Error(t, err)
}

func TestFingerprintFailureAborts(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, map[string]string{"pkg/file": "x"})

	sess := NewSession(Config{
		FS:     fs,
		Ref:    projectRef(t, "https://example.com/prj"),
		Writer: descriptor.NewWriter(fs, nil, false),
		Fingerprint: func(string) (string, error) {
			return "", assert.AnError
		},
	})

	assert.ErrorIs(t, sess.Run(), assert.AnError)
}
