package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

const (
	dirName    = ".beads"
	issuesFile = "issues.jsonl"
	depsFile   = "dependencies.jsonl"
	configFile = "config.yaml"

	maxLineSize = 16 * 1024 * 1024
)

// repoConfig is the subset of .beads/config.yaml this store reads.
type repoConfig struct {
	IssuePrefix string   `yaml:"issue-prefix"`
	Workflows   []string `yaml:"workflows"`
}

func loadRepoConfig(dir string) (repoConfig, error) {
	var cfg repoConfig
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", configFile, err)
	}
	return cfg, nil
}

// recognizedWorkflows returns beads-coarse plus every built-in workflow the
// repository config opts into. Unknown ids are reported and skipped.
func (r *repoStore) recognizedWorkflows(ids []string) []*types.WorkflowDescriptor {
	out := []*types.WorkflowDescriptor{workflow.BeadsCoarse()}
	builtins := workflow.Builtins()
	for _, id := range ids {
		if id == workflow.BeadsCoarseID {
			continue
		}
		found := false
		for _, d := range builtins {
			if d.ID == id {
				out = append(out, d)
				found = true
				break
			}
		}
		if !found {
			r.logger.Warn("ignoring unknown workflow in config", "repo", r.root, "workflow", id)
		}
	}
	return out
}

func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(text, &v); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

// writeJSONL rewrites path in full through a temp file and rename.
func writeJSONL[T any](path string, items []T) (os.FileInfo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			_ = tmp.Close()
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, err
	}
	return os.Stat(path)
}

// fileStamp identifies one version of a file we wrote ourselves.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampOf(fi os.FileInfo) fileStamp {
	if fi == nil {
		return fileStamp{}
	}
	return fileStamp{size: fi.Size(), modTime: fi.ModTime()}
}

// watch invalidates the in-memory view when another process rewrites the
// backing files. Events caused by our own writes are recognized by stamp.
func (r *repoStore) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dir()); err != nil {
		_ = w.Close()
		return err
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				r.handleFileEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("file watcher error", "repo", r.root, "error", err)
			}
		}
	}()
	return nil
}

func (r *repoStore) handleFileEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if name != issuesFile && name != depsFile && name != configFile {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return
	}
	fi, _ := os.Stat(ev.Name)
	if own, ok := r.written[name]; ok && fi != nil && own == stampOf(fi) {
		return
	}
	r.logger.Debug("backing file changed externally; reloading on next access", "repo", r.root, "file", name)
	r.loaded = false
}
