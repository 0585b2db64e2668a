package playbook

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/snare/internal/config"
)

// strictJSON rejects unknown keys, matching the YAML decoder's KnownFields.
var strictJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// DefaultPatterns are used when the configuration names none.
var DefaultPatterns = []string{"**/*.json", "**/*.yaml", "**/*.yml"}

// Loader reads playbook definitions from a directory tree.
type Loader struct {
	dir      string
	patterns []string
	logger   *zap.Logger
}

// NewLoader creates a loader for the configured directory and glob patterns.
func NewLoader(cfg config.PlaybookConfig, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Loader{dir: cfg.Dir, patterns: patterns, logger: logger.Named("playbook_loader")}
}

// Dir is the directory the loader reads.
func (l *Loader) Dir() string { return l.dir }

// Files lists every file under the directory that matches one of the
// patterns, sorted and without duplicates. Paths are relative to Dir.
func (l *Loader) Files() ([]string, error) {
	fsys := os.DirFS(l.dir)
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range l.patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Load parses every matching file. A missing directory yields an empty set
// with a warning. Files that fail to parse or validate are logged and skipped
// so one bad definition never hides the others.
func (l *Loader) Load() ([]*Playbook, error) {
	info, err := os.Stat(l.dir)
	if err != nil || !info.IsDir() {
		l.logger.Warn("Playbook directory does not exist", zap.String("dir", l.dir))
		return nil, nil
	}

	files, err := l.Files()
	if err != nil {
		return nil, err
	}

	playbooks := make([]*Playbook, 0, len(files))
	for _, rel := range files {
		path := filepath.Join(l.dir, filepath.FromSlash(rel))
		pb, err := LoadFile(path)
		if err != nil {
			l.logger.Error("Failed to load playbook", zap.String("file", rel), zap.Error(err))
			continue
		}
		l.logger.Info("Loaded playbook", zap.String("playbook_id", pb.ID), zap.String("file", rel))
		playbooks = append(playbooks, pb)
	}
	return playbooks, nil
}

// Snapshot loads the directory into a fresh matcher.
func (l *Loader) Snapshot() (*Matcher, error) {
	pbs, err := l.Load()
	if err != nil {
		return nil, err
	}
	m := NewMatcher(l.logger)
	m.RegisterMany(pbs)
	return m, nil
}

// LoadFile parses and validates a single JSON or YAML playbook.
func LoadFile(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pb, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	pb.Source = path
	return pb, nil
}

// Parse decodes a playbook in the format implied by ext and validates it.
func Parse(data []byte, ext string) (*Playbook, error) {
	var pb Playbook
	switch strings.ToLower(ext) {
	case ".json":
		if err := strictJSON.Unmarshal(data, &pb); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&pb); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported playbook format %q", ext)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// IsValidationError reports whether err came from playbook validation.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// isPlaybookFile reports whether a path looks like a playbook definition.
func isPlaybookFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// walkDirs visits every directory under root, skipping hidden ones.
func walkDirs(root string, fn func(dir string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if base := d.Name(); path != root && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}
		return fn(path)
	})
}
