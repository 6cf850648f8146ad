// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
)

// ExplicitPath is a path config option that remembers whether it was given
// on the command line or in the config file.  Paths set that way are
// cleaned and expanded with CleanAndExpandPath as they are parsed; the
// default is used as is.
type ExplicitPath struct {
	Value string
	set   bool
}

// NewExplicitPath returns a path option holding a default.
func NewExplicitPath(defaultPath string) *ExplicitPath {
	return &ExplicitPath{Value: defaultPath}
}

// ExplicitlySet returns whether the path was configured rather than
// defaulted.
func (p *ExplicitPath) ExplicitlySet() bool {
	return p.set
}

// MarshalFlag implements the flags.Marshaler interface.
func (p *ExplicitPath) MarshalFlag() (string, error) {
	return p.Value, nil
}

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (p *ExplicitPath) UnmarshalFlag(value string) error {
	p.Value = CleanAndExpandPath(value)
	p.set = true
	return nil
}

// CleanAndExpandPath expands environment variables and a leading ~ or
// ~user in path and cleans the result.  A home directory that cannot be
// found is replaced by the working directory.
func CleanAndExpandPath(path string) string {
	// os.ExpandEnv only knows the POSIX $VARIABLE form.
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	seps := string(os.PathSeparator)
	if runtime.GOOS == "windows" {
		seps += "/"
	}

	name, rest := path[1:], ""
	if i := strings.IndexAny(name, seps); i != -1 {
		name, rest = name[:i], name[i:]
	}

	return filepath.Join(homeDir(name), rest)
}

// homeDir returns the home directory of the named user, or of the current
// user when name is empty.
func homeDir(name string) string {
	var (
		u   *user.User
		err error
	)
	if name == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(name)
	}
	if err != nil || u.HomeDir == "" {
		return "."
	}
	return u.HomeDir
}
