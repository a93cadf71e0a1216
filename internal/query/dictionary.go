package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// #region dictionary
// Dictionary is the read-only synonym/alias lookup used for query expansion.
// Version identifies the dictionary contents so memoized results can be keyed by it.
type Dictionary interface {
	Synonyms(term string) []string
	Version() string
}

// #endregion dictionary

// #region static-dictionary
// StaticDictionary is an in-memory Dictionary.
type StaticDictionary struct {
	version  string
	synonyms map[string][]string
}

// NewStaticDictionary builds a dictionary from term -> synonyms. Keys and
// values are normalized to lowercase.
func NewStaticDictionary(version string, synonyms map[string][]string) *StaticDictionary {
	m := make(map[string][]string, len(synonyms))
	for k, vs := range synonyms {
		key := normalize(k)
		for _, v := range vs {
			if n := normalize(v); n != "" && n != key {
				m[key] = append(m[key], n)
			}
		}
	}
	return &StaticDictionary{version: version, synonyms: m}
}

// Synonyms returns the aliases of term, or nil.
func (d *StaticDictionary) Synonyms(term string) []string {
	return d.synonyms[term]
}

// Version returns the dictionary version.
func (d *StaticDictionary) Version() string {
	return d.version
}

// #endregion static-dictionary

// #region file-dictionary

// dictionaryFile is the on-disk YAML layout.
type dictionaryFile struct {
	Version  string              `yaml:"version"`
	Synonyms map[string][]string `yaml:"synonyms"`
}

// FileDictionary serves a YAML dictionary and reloads it when the file changes.
type FileDictionary struct {
	path    string
	current atomic.Pointer[StaticDictionary]
	logger  *slog.Logger
}

// LoadFileDictionary reads the dictionary at path.
func LoadFileDictionary(path string, logger *slog.Logger) (*FileDictionary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &FileDictionary{path: path, logger: logger}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Synonyms returns the aliases of term from the current contents.
func (d *FileDictionary) Synonyms(term string) []string {
	return d.current.Load().Synonyms(term)
}

// Version returns the version of the current contents.
func (d *FileDictionary) Version() string {
	return d.current.Load().Version()
}

func (d *FileDictionary) reload() error {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read dictionary %s: %w", d.path, err)
	}
	var f dictionaryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse dictionary %s: %w", d.path, err)
	}
	version := f.Version
	if version == "" {
		sum := sha256.Sum256(raw)
		version = hex.EncodeToString(sum[:6])
	}
	d.current.Store(NewStaticDictionary(version, f.Synonyms))
	return nil
}

// Watch reloads the dictionary on write/create/rename of its file until ctx
// is done. A failed reload keeps the previous contents.
func (d *FileDictionary) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dictionary watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors often replace the file via rename.
	if err := w.Add(filepath.Dir(d.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.path), err)
	}
	target := filepath.Clean(d.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			prev := d.Version()
			if err := d.reload(); err != nil {
				d.logger.Warn("dictionary_reload_failed", slog.String("path", d.path), slog.String("error", err.Error()))
				continue
			}
			if v := d.Version(); v != prev {
				d.logger.Info("dictionary_reloaded", slog.String("path", d.path), slog.String("version", v))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("dictionary_watch_error", slog.String("error", strings.TrimSpace(err.Error())))
		}
	}
}

// #endregion file-dictionary
