package walker

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"
)

// directiveFile is the per-directory instruction file naming which
// subdirectories hold packages of their own.
const directiveFile = "_subdirs"

type directive struct {
	Subdirs  []string `yaml:"subdirs"`
	Toplevel string   `yaml:"toplevel"`
}

// includeToplevel reports whether the directory carrying the
// directive has its own entries processed in addition to the listed
// subdirectories.
func (d *directive) includeToplevel() bool {
	return d.Toplevel == "include"
}

func (s *Session) readDirective(dir string) (*directive, error) {
	rel := path.Join(dir, directiveFile)

	data, err := util.ReadFile(s.fs, rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}

	var d directive
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", rel, err)
	}
	return &d, nil
}
