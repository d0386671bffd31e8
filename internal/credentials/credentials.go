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

// Package credentials materializes configured host credentials for
// the checkout tool without touching any persistent git
// configuration. The credentials live in a private store file for the
// duration of one run and are injected through the environment.
package credentials

import (
	"fmt"
	"net/url"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/scmtools/scmbridge/internal/config"
)

// Setup writes the configured credentials into a temporary store file
// and returns the environment entries pointing the checkout tool at
// it. The returned cleanup removes the store file and must run before
// process exit.
func Setup(entries []config.Credential) (env []string, cleanup func(), err error) {
	cleanup = func() {}
	if len(entries) == 0 {
		return nil, cleanup, nil
	}

	f, err := os.CreateTemp("", "scmbridge-credentials-")
	if err != nil {
		return nil, cleanup, fmt.Errorf("creating credential store: %w", err)
	}
	defer f.Close()

	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		os.Remove(name)
		return nil, cleanup, fmt.Errorf("restricting credential store: %w", err)
	}

	for _, entry := range entries {
		if entry.Host == "" || entry.Username == "" {
			log.Warn().Str("host", entry.Host).Msg("incomplete credential entry, skipping")
			continue
		}
		line := fmt.Sprintf("https://%s:%s@%s\n",
			url.QueryEscape(entry.Username),
			url.QueryEscape(entry.Password),
			entry.Host)
		if _, err := f.WriteString(line); err != nil {
			os.Remove(name)
			return nil, cleanup, fmt.Errorf("writing credential store: %w", err)
		}
	}

	env = []string{
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=credential.helper",
		"GIT_CONFIG_VALUE_0=store --file=" + name,
	}
	return env, func() { os.Remove(name) }, nil
}
