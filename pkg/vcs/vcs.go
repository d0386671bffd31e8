// Package vcs drives the git binary. All repository access goes
// through an external process so that credential helpers, LFS
// filters and transport configuration behave exactly as they do for
// interactive use.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// connectFailure matches tool output that indicates the remote could
// not be reached rather than a broken repository.
var connectFailure = regexp.MustCompile(`(?i)(unable to access|connection refused|could not resolve host)`)

// CommandError describes a failed external tool invocation. The exit
// code is propagated so callers can hand it through to the service
// runner unchanged.
type CommandError struct {
	Cmd      string
	ExitCode int
	Output   string

	// Transient marks failures worth retrying: connection problems
	// against a server known to be authoritative for the reference.
	Transient bool
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit code %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit code %d: %s", e.Cmd, e.ExitCode, out)
}

// Runner executes one external command and returns its output
// streams. Tests swap this out for a fake.
type Runner func(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner is the Runner used outside of tests. It inherits the
// process environment and appends env on top.
func ExecRunner(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Client invokes git with a fixed locale so that output parsing and
// error matching are stable across systems.
type Client struct {
	// GitPath is the binary to invoke, usually "git".
	GitPath string

	// CriticalServers are hosts whose connection failures are
	// reported as transient.
	CriticalServers []string

	// Env holds extra environment entries added to every invocation,
	// e.g. credential configuration or the LFS smudge toggle.
	Env []string

	// Run executes the command. Defaults to a real process runner.
	Run Runner
}

// NewClient returns a Client for the given binary.
func NewClient(gitPath string, criticalServers []string) *Client {
	if gitPath == "" {
		gitPath = "git"
	}
	return &Client{
		GitPath:         gitPath,
		CriticalServers: criticalServers,
		Run:             ExecRunner,
	}
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	env := append([]string{"LC_ALL=C", "LANG=C"}, c.Env...)

	log.Debug().Str("dir", dir).Strs("args", args).Msg("running git")

	stdout, stderr, err := c.Run(ctx, dir, env, c.GitPath, args...)
	if err != nil {
		output := string(stderr) + string(stdout)
		cmdErr := &CommandError{
			Cmd:      c.GitPath + " " + strings.Join(args, " "),
			ExitCode: ExitCode(err),
			Output:   output,
		}
		cmdErr.Transient = c.transient(output)
		return "", cmdErr
	}

	return strings.TrimSpace(string(stdout)), nil
}

// ExitCode extracts the process exit code from a Runner error. Errors
// that never reached the exec stage map to 1.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func (c *Client) transient(output string) bool {
	if !connectFailure.MatchString(output) {
		return false
	}
	for _, host := range c.CriticalServers {
		if host != "" && strings.Contains(output, host) {
			return true
		}
	}
	return false
}

// Init creates an empty repository at dir. objectFormat selects the
// hash algorithm; empty means the git default.
func (c *Client) Init(ctx context.Context, dir, objectFormat string) error {
	args := []string{"init"}
	if objectFormat != "" {
		args = append(args, "--object-format="+objectFormat)
	}
	args = append(args, dir)
	_, err := c.run(ctx, "", args...)
	return err
}

// RemoteAdd registers a remote in the repository at dir.
func (c *Client) RemoteAdd(ctx context.Context, dir, name, url string) error {
	_, err := c.run(ctx, dir, "remote", "add", name, url)
	return err
}

// FetchOptions control a fetch. Depth 0 means full history.
type FetchOptions struct {
	Depth int
}

// Fetch retrieves revspec from the named remote.
func (c *Client) Fetch(ctx context.Context, dir, remote, revspec string, opts FetchOptions) error {
	args := []string{"fetch"}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	args = append(args, remote, revspec)
	_, err := c.run(ctx, dir, args...)
	return err
}

// Checkout switches the work tree at dir to revspec.
func (c *Client) Checkout(ctx context.Context, dir, revspec string) error {
	_, err := c.run(ctx, dir, "checkout", "-q", revspec)
	return err
}

// CloneOptions control a clone. Depth 0 means full history, an empty
// Branch means the remote default.
type CloneOptions struct {
	Branch string
	Depth  int
}

// Clone clones url into dir.
func (c *Client) Clone(ctx context.Context, url, dir string, opts CloneOptions) error {
	args := []string{"clone"}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, url, dir)
	_, err := c.run(ctx, "", args...)
	return err
}

// SubmoduleUpdate initializes and updates submodules recursively. If
// paths are given the update is limited to those paths.
func (c *Client) SubmoduleUpdate(ctx context.Context, dir string, paths ...string) error {
	args := []string{"submodule", "update", "--init", "--recursive"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	_, err := c.run(ctx, dir, args...)
	return err
}

// RevParse resolves HEAD of the repository at dir to a commit id.
func (c *Client) RevParse(ctx context.Context, dir string) (string, error) {
	return c.run(ctx, dir, "rev-parse", "HEAD")
}

// CommitterTimestamp returns the committer time of HEAD as a unix
// timestamp.
func (c *Client) CommitterTimestamp(ctx context.Context, dir string) (int64, error) {
	out, err := c.run(ctx, dir, "log", "-1", "--format=%ct")
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing committer timestamp %q: %w", out, err)
	}
	return ts, nil
}

// TreeEntry is one line of ls-tree output.
type TreeEntry struct {
	Mode string
	Kind string
	OID  string
	Path string
}

// LsTree lists the tree of revspec in the repository at dir.
func (c *Client) LsTree(ctx context.Context, dir, revspec string) ([]TreeEntry, error) {
	out, err := c.run(ctx, dir, "ls-tree", revspec)
	if err != nil {
		return nil, err
	}
	return parseLsTree(out), nil
}

func parseLsTree(out string) []TreeEntry {
	var entries []TreeEntry
	for _, line := range strings.Split(out, "\n") {
		meta, name, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			continue
		}
		entries = append(entries, TreeEntry{
			Mode: fields[0],
			Kind: fields[1],
			OID:  fields[2],
			Path: name,
		})
	}
	return entries
}
