package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/linthost-dev/linthost/internal/logging"
)

// fileSettings mirrors the TOML settings file layout.
type fileSettings struct {
	Enabled   *bool    `toml:"enabled"`
	Languages []string `toml:"languages"`

	Server struct {
		Path string   `toml:"path"`
		Args []string `toml:"args"`
	} `toml:"server"`

	Trace struct {
		Level string `toml:"level"`
	} `toml:"trace"`
}

// LoadFile reads a settings file and merges it over the previous valid
// snapshot. A missing file yields the previous snapshot unchanged.
//
// Invalid field values are not fatal: the field keeps its previous
// valid value and a warning is logged.
func LoadFile(path string, prev Snapshot, logger *logging.Logger) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return prev.Clone(), nil
		}
		return prev.Clone(), fmt.Errorf("reading settings file %s: %w", path, err)
	}

	var fs fileSettings
	if err := toml.Unmarshal(data, &fs); err != nil {
		return prev.Clone(), &ParseError{Path: path, Message: err.Error(), Err: err}
	}

	snap := prev.Clone()

	if fs.Enabled != nil {
		snap.Enabled = *fs.Enabled
	}
	if fs.Languages != nil {
		snap.Languages = append([]string(nil), fs.Languages...)
	}
	if fs.Server.Path != "" {
		snap.ServerPath = fs.Server.Path
	}
	if fs.Server.Args != nil {
		snap.ServerArgs = append([]string(nil), fs.Server.Args...)
	}

	if fs.Trace.Level != "" {
		level, err := ParseTraceLevel(fs.Trace.Level)
		if err != nil {
			logger.Warn("settings: %v, keeping %q", err, snap.TraceLevel)
		} else {
			snap.TraceLevel = level
		}
	}

	return snap, nil
}

// ParseError represents an error while parsing a settings file.
type ParseError struct {
	Path    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
