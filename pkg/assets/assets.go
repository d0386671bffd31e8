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

// Package assets shells out to the build service helper tools that
// live next to this bridge on an OBS worker: the asset downloader and
// the Debian origin tarball exporter.
package assets

import (
	"context"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog/log"

	"github.com/scmtools/scmbridge/pkg/vcs"
)

// Tools wraps the helper binaries. The Runner is shared with the git
// client so tests can fake all process execution the same way.
type Tools struct {
	// DownloadAssets is the path of the asset download tool.
	DownloadAssets string

	// ExportDebian is the path of the Debian origin tarball exporter.
	ExportDebian string

	// Env holds extra environment entries for tool invocations.
	Env []string

	// Run executes the command. Defaults to a real process runner.
	Run vcs.Runner
}

func (t *Tools) run(ctx context.Context, name string, args ...string) (string, error) {
	run := t.Run
	if run == nil {
		run = vcs.ExecRunner
	}
	env := append([]string{"LC_ALL=C", "LANG=C"}, t.Env...)

	log.Debug().Str("tool", name).Strs("args", args).Msg("running helper tool")

	stdout, stderr, err := run(ctx, "", env, name, args...)
	if err != nil {
		return "", &vcs.CommandError{
			Cmd:      name + " " + strings.Join(args, " "),
			ExitCode: vcs.ExitCode(err),
			Output:   string(stderr) + string(stdout),
		}
	}
	return strings.TrimSpace(string(stdout)), nil
}

// Fetch downloads remote assets referenced by the sources in dir for
// the requested architectures. With no architectures the tool runs an
// architecture-independent pass.
func (t *Tools) Fetch(ctx context.Context, dir string, archs []string) error {
	args := []string{}
	for _, arch := range archs {
		args = append(args, "--arch", arch)
	}
	args = append(args, dir)

	_, err := t.run(ctx, t.DownloadAssets, args...)
	return err
}

// DirFingerprint asks the asset tool for the content fingerprint of
// one directory. The fingerprint covers file content and asset
// references, so it is stable across checkouts of the same tree.
func (t *Tools) DirFingerprint(ctx context.Context, dir string) (string, error) {
	out, err := t.run(ctx, t.DownloadAssets, "--show-dir-srcmd5", dir)
	if err != nil {
		return "", err
	}
	return out, nil
}

// ExportLegacyTarball exports the upstream origin tarball for Debian
// source packages in dir.
func (t *Tools) ExportLegacyTarball(ctx context.Context, dir string) error {
	_, err := t.run(ctx, t.ExportDebian, dir)
	return err
}

// HasLegacyPackaging reports whether the checkout carries Debian
// packaging that needs an origin tarball.
func HasLegacyPackaging(fs billy.Filesystem) bool {
	fi, err := fs.Stat("debian/control")
	return err == nil && fi.Mode().IsRegular()
}
