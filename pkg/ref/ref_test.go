package ref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressAndRevision(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		cloneURL  string
		canonical string
		revision  string
	}{
		{
			name:      "plain",
			raw:       "https://example.com/pool/aaa_base",
			cloneURL:  "https://example.com/pool/aaa_base",
			canonical: "https://example.com/pool/aaa_base",
		},
		{
			name:      "fragment revision",
			raw:       "https://example.com/pool/aaa_base#v1.2",
			cloneURL:  "https://example.com/pool/aaa_base",
			canonical: "https://example.com/pool/aaa_base",
			revision:  "v1.2",
		},
		{
			name:      "scheme hint stripped for clone only",
			raw:       "git+https://example.com/pool/aaa_base#main",
			cloneURL:  "https://example.com/pool/aaa_base",
			canonical: "git+https://example.com/pool/aaa_base",
			revision:  "main",
		},
		{
			name:      "unknown query options stay in the address",
			raw:       "https://example.com/repo?foo=bar&subdir=lib",
			cloneURL:  "https://example.com/repo?foo=bar",
			canonical: "https://example.com/repo?foo=bar",
		},
		{
			name:      "local path",
			raw:       "file:///src/rpms/aaa_base#abc",
			cloneURL:  "file:///src/rpms/aaa_base",
			canonical: "file:///src/rpms/aaa_base",
			revision:  "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.cloneURL, r.CloneURL())
			assert.Equal(t, tt.canonical, r.Canonical())
			assert.Equal(t, tt.revision, r.Revision)
		})
	}
}

func TestParseOptions(t *testing.T) {
	r, err := Parse("https://example.com/prj?subdir=lib&arch=x86_64&arch=aarch64&lfs=0&keepmeta=1&shallow=1&gencpio=1&enforce_bcntsynctag=1&onlybuild=a&onlybuild=b")
	require.NoError(t, err)

	assert.Equal(t, "lib", r.Subdir)
	assert.Equal(t, []string{"x86_64", "aarch64"}, r.Archs)
	assert.True(t, r.NoLFS)
	assert.True(t, r.KeepMeta)
	assert.True(t, r.Shallow)
	assert.True(t, r.GenCpio)
	assert.True(t, r.EnforceBcntSyncTag)
	assert.Equal(t, []string{"a", "b"}, r.OnlyBuild)
	assert.Equal(t, "https://example.com/prj", r.CloneURL())
}

func TestParseFlagValues(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"https://h/r?keepmeta=1", true},
		{"https://h/r?keepmeta", true},
		{"https://h/r?keepmeta=0", false},
		{"https://h/r", false},
	}

	for _, tt := range tests {
		r, err := Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, r.KeepMeta, tt.raw)
	}
}

func TestParseLFSOnByDefault(t *testing.T) {
	r, err := Parse("https://example.com/repo")
	require.NoError(t, err)
	assert.False(t, r.NoLFS)

	r, err = Parse("https://example.com/repo?lfs=1")
	require.NoError(t, err)
	assert.False(t, r.NoLFS)
}

func TestParseRejectsEscapingSubdir(t *testing.T) {
	for _, raw := range []string{
		"https://example.com/repo?subdir=../../etc",
		"https://example.com/repo?subdir=/etc",
		"https://example.com/repo?subdir=a/../../b",
	} {
		_, err := Parse(raw)
		assert.Error(t, err, raw)
	}

	// dot segments that stay inside the checkout are fine
	r, err := Parse("https://example.com/repo?subdir=a/../b")
	require.NoError(t, err)
	assert.Equal(t, "a/../b", r.Subdir)
}

func TestParseMalformedQueryBestEffort(t *testing.T) {
	r, err := Parse("https://example.com/repo?subdir=lib&bad;pair=x")
	require.NoError(t, err)
	assert.Equal(t, "lib", r.Subdir)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("  ")
	assert.Error(t, err)
}

func TestSubdirRef(t *testing.T) {
	r, err := Parse("git+https://example.com/prj#main")
	require.NoError(t, err)
	assert.Equal(t, "git+https://example.com/prj?subdir=pkg#main", r.SubdirRef("pkg"))

	r, err = Parse("file:///src/rpms/proj")
	require.NoError(t, err)
	assert.Equal(t, "file:///src/rpms/proj?subdir=libeconf", r.SubdirRef("libeconf"))

	r, err = Parse("https://example.com/prj?foo=bar")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/prj?foo=bar&subdir=ring1/pkg", r.SubdirRef("ring1/pkg"))
}

func TestPinnedProject(t *testing.T) {
	r, err := Parse("https://example.com/prj?onlybuild=x#main")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/prj#0a1b2c", r.PinnedProject("0a1b2c"))
}

func TestString(t *testing.T) {
	r, err := Parse("git+https://example.com/prj?subdir=lib#v2")
	require.NoError(t, err)
	assert.Equal(t, "git+https://example.com/prj#v2", r.String())
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("aaa_base"))
	assert.True(t, ValidName("libeconf"))
	assert.True(t, ValidName("gcc-13+git2"))
	assert.False(t, ValidName("with space"))
	assert.False(t, ValidName("a/b"))
	assert.False(t, ValidName(""))
}

func TestIsCommit(t *testing.T) {
	// full sha1
	assert.True(t, IsCommit("f5dcb3ee32afd172e203b2457a7e7d4bb7bbd076"))
	// full sha256
	assert.True(t, IsCommit("9d8a5df149ab25d64e6ea0268b2987cbf42ea543b81e5463b95b9ad02e6a1a02"))
	assert.False(t, IsCommit("main"))
	assert.False(t, IsCommit("v1.2.3"))
	assert.False(t, IsCommit("f5dcb3ee"))
}
