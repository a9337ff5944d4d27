package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ormasoftchile/pipewright/pkg/ctxlog"
	"github.com/ormasoftchile/pipewright/pkg/files"
	"github.com/ormasoftchile/pipewright/pkg/kernel/action"
	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
)

const (
	// DefaultSettle is how long watch-fs waits after the initial build before
	// arming its watches.
	DefaultSettle = 2 * time.Second
	// DefaultCoalesce is how long a changed path must stay quiet before the
	// stage yields for it.
	DefaultCoalesce = time.Second
)

// neverMatch is the default exclude and include pattern.
const neverMatch = "$."

type watchOptions struct {
	From    string            `yaml:"from"`
	Add     map[string]string `yaml:"add"` // disk path -> virtual path, empty keeps the disk path
	Exclude string            `yaml:"exclude"`
	Include string            `yaml:"include"`
	Settle  time.Duration     `yaml:"settle"`
}

// Watcher implements the incremental watch-fs stage. It yields once for the
// initial build. Changes are applied to the tree as they arrive; the stage
// yields again once every changed path has been quiet for Coalesce, so a
// burst of events on one path produces a single yield.
type Watcher struct {
	Settle   time.Duration // default for the settle option, zero uses DefaultSettle
	Coalesce time.Duration // zero uses DefaultCoalesce
}

// resolveOptions overlays options on the read-fs stage's options, so the
// watch covers the same source directory by default.
func (w *Watcher) resolveOptions(bc *build.Context, options map[string]any) (watchOptions, error) {
	opts := watchOptions{From: "./", Settle: w.Settle}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if bc.Config != nil {
		if st, err := bc.Config.Stage("read-fs"); err == nil {
			if err := decodeOptions(st.Options, &opts); err != nil {
				return opts, err
			}
		}
	}
	if err := decodeOptions(options, &opts); err != nil {
		return opts, err
	}
	if opts.Exclude == "" {
		opts.Exclude = neverMatch
	}
	if opts.Include == "" {
		opts.Include = neverMatch
	}
	return opts, nil
}

// Watch runs the stage until ctx is done or the watcher fails.
func (w *Watcher) Watch(ctx context.Context, bc *build.Context, options map[string]any, next action.Continue) error {
	opts, err := w.resolveOptions(bc, options)
	if err != nil {
		return err
	}
	exclude, err := regexp.Compile(opts.Exclude)
	if err != nil {
		return fmt.Errorf("invalid exclude: %w", err)
	}
	include, err := regexp.Compile(opts.Include)
	if err != nil {
		return fmt.Errorf("invalid include: %w", err)
	}
	if bc.FileRoot == nil {
		bc.FileRoot = files.NewRoot()
	}
	log := ctxlog.FromContext(ctx)

	next(bc)
	select {
	case <-time.After(opts.Settle):
	case <-ctx.Done():
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	coalesce := w.Coalesce
	if coalesce <= 0 {
		coalesce = DefaultCoalesce
	}
	root := resolvePath(bc.RootDir, opts.From)
	s := &watchState{
		fw:       fw,
		root:     root,
		added:    make(map[string]string),
		exclude:  exclude,
		include:  include,
		coalesce: coalesce,
		pending:  make(map[string]time.Time),
	}
	s.watchDir(root)
	_ = files.Walk(bc.FileRoot, func(n *files.Node) error {
		if n.IsDir() && n.DiskPath != "" {
			s.watchDir(n.DiskPath)
		}
		return nil
	})
	for src, to := range opts.Add {
		disk := resolvePath(bc.RootDir, src)
		if to == "" {
			to = filepath.ToSlash(src)
		}
		if err := fw.Add(disk); err != nil {
			log.Warn("not watching missing file", "path", src)
			continue
		}
		s.added[disk] = to
		s.count++
	}
	log.Info("watching", "count", s.count)

	settled := time.NewTimer(time.Hour)
	settled.Stop()
	defer settled.Stop()
	flush := func() {
		ready, wake := s.due(time.Now())
		if !wake.IsZero() {
			settled.Reset(time.Until(wake))
		}
		if len(ready) > 0 {
			log.Debug("changes settled", "paths", strings.Join(ready, ","))
			next(bc)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", root, err)

		case <-settled.C:
			flush()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			virt, changed, err := s.handle(bc, ev, time.Now())
			if err != nil {
				// The file may be gone or replaced again before it is read.
				log.Debug("change not applied", "path", virt, "error", err)
				continue
			}
			if changed {
				log.Info("file changed", "path", virt, "op", ev.Op.String())
			}
			flush()
		}
	}
}

// watchState tracks the watches of one watch-fs run.
type watchState struct {
	fw    *fsnotify.Watcher
	root  string
	added map[string]string // watched file -> virtual path
	count int

	exclude, include *regexp.Regexp
	coalesce         time.Duration
	pending          map[string]time.Time // changed path -> end of its quiet window
}

// handle applies one event observed at t to the tree. It returns the event's
// virtual path and whether the tree changed. A changed path, or any further
// event on a path still pending, restarts that path's quiet window.
func (s *watchState) handle(bc *build.Context, ev fsnotify.Event, t time.Time) (string, bool, error) {
	if ev.Op == fsnotify.Chmod {
		return "", false, nil
	}
	virt, ok := s.virtPath(ev.Name)
	if !ok {
		return "", false, nil
	}
	if s.exclude.MatchString(virt) && !s.include.MatchString(virt) {
		return virt, false, nil
	}
	changed, err := s.apply(bc, ev, virt)
	if err != nil {
		return virt, false, err
	}
	if _, waiting := s.pending[virt]; waiting || changed {
		s.pending[virt] = t.Add(s.coalesce)
	}
	return virt, changed, nil
}

// due removes and returns the pending paths whose quiet window ended by t,
// along with the end of the earliest window still open (zero when none).
func (s *watchState) due(t time.Time) ([]string, time.Time) {
	var ready []string
	var wake time.Time
	for p, end := range s.pending {
		if !end.After(t) {
			ready = append(ready, p)
			delete(s.pending, p)
			continue
		}
		if wake.IsZero() || end.Before(wake) {
			wake = end
		}
	}
	slices.Sort(ready)
	return ready, wake
}

func (s *watchState) watchDir(dir string) {
	if err := s.fw.Add(dir); err == nil {
		s.count++
	}
}

// virtPath maps an event path to its virtual path in the tree.
func (s *watchState) virtPath(name string) (string, bool) {
	if to, ok := s.added[name]; ok {
		return to, true
	}
	rel, err := filepath.Rel(s.root, name)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// apply resynchronizes the tree with one event and reports whether it
// changed. Generated files are never touched.
func (s *watchState) apply(bc *build.Context, ev fsnotify.Event, virt string) (bool, error) {
	node := bc.Get(virt)
	if node != nil && node.Generated {
		return false, nil
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, err := os.Stat(ev.Name); err == nil {
			// Replaced in place by an atomic save.
			return s.reload(node, bc, ev.Name, virt)
		}
		if node == nil {
			return false, nil
		}
		return files.Remove(node), nil
	}
	return s.reload(node, bc, ev.Name, virt)
}

func (s *watchState) reload(node *files.Node, bc *build.Context, diskPath, virt string) (bool, error) {
	if node == nil {
		added, err := files.AddAs(bc.FileRoot, diskPath, virt, true)
		if err != nil {
			return false, err
		}
		if added.IsDir() {
			s.watchDir(diskPath)
			_ = files.Walk(added, func(n *files.Node) error {
				if n.IsDir() {
					s.watchDir(n.DiskPath)
				}
				return nil
			})
		}
		return true, nil
	}
	if node.IsDir() {
		return false, nil
	}

	data, err := os.ReadFile(diskPath)
	if err != nil {
		return false, err
	}
	if bytes.Equal(data, node.Content) {
		return false, nil
	}
	node.SetContent(data)
	return true, nil
}
