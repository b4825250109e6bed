package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const defaultDebounce = 200 * time.Millisecond

// Entry is one binding as written in a directory file.
type Entry struct {
	Name string `yaml:"name" toml:"name"`
	ID   uint32 `yaml:"id" toml:"id"`
}

type fileDoc struct {
	Services []Entry `yaml:"services" toml:"services"`
}

// LoadFile reads bindings from a .yaml/.yml or .toml file.
func LoadFile(path string) (Bindings, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".toml":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if ext == ".toml" {
		if _, err := toml.Decode(string(raw), &doc); err != nil {
			return nil, fmt.Errorf("directory: decode %s: %w", path, err)
		}
		return doc.bindings()
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("directory: decode %s: %w", path, err)
	}
	return doc.bindings()
}

func (d fileDoc) bindings() (Bindings, error) {
	out := make(Bindings, len(d.Services))
	for i, e := range d.Services {
		id := envelope.ServiceID(e.ID)
		if err := validateBinding(e.Name, id); err != nil {
			return nil, fmt.Errorf("services[%d]: %w", i, err)
		}
		if _, dup := out[e.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateService, e.Name)
		}
		out[e.Name] = id
	}
	return out, nil
}

// EncodeYAML renders bindings in the file layout, sorted by name.
func EncodeYAML(b Bindings) ([]byte, error) {
	doc := fileDoc{}
	s := &Static{bindings: b}
	for _, name := range s.Names() {
		doc.Services = append(doc.Services, Entry{Name: name, ID: uint32(b[name])})
	}
	return yaml.Marshal(doc)
}

type FileOption func(*File)

func WithDebounce(d time.Duration) FileOption {
	return func(f *File) { f.debounce = d }
}

// OnReload registers fn to run after each successful reload.
func OnReload(fn func(Bindings)) FileOption {
	return func(f *File) { f.onReload = append(f.onReload, fn) }
}

// File is a Static resolver backed by a bindings file. Watch reloads it
// when the file changes; a failed reload keeps the previous bindings.
type File struct {
	*Static
	path     string
	debounce time.Duration
	onReload []func(Bindings)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func OpenFile(path string, opts ...FileOption) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	b, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}
	st, err := NewStatic(b)
	if err != nil {
		return nil, err
	}
	f := &File{Static: st, path: abs, debounce: defaultDebounce}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Reload() error {
	b, err := LoadFile(f.path)
	if err != nil {
		return err
	}
	if err := f.Replace(b); err != nil {
		return err
	}
	log.Info().Str("path", f.path).Int("services", len(b)).Msg("directory.File reloaded")
	for _, fn := range f.onReload {
		fn(b)
	}
	return nil
}

// Watch starts reloading on file changes until ctx ends or Close is called.
// The parent directory is watched so editors that replace the file by
// rename are still seen.
func (f *File) Watch(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("directory: watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("directory: watch %s: %w", f.path, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	f.watcher = w
	f.cancel = cancel
	f.wg.Add(1)
	go f.watchLoop(ctx, w)
	return nil
}

func (f *File) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer f.wg.Done()
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(f.debounce, func() {
				if err := f.Reload(); err != nil {
					log.Warn().Err(err).Str("path", f.path).Msg("directory.File reload failed; keeping previous bindings")
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", f.path).Msg("directory.File watcher error")
		}
	}
}

func (f *File) Close() error {
	f.mu.Lock()
	w, cancel := f.watcher, f.cancel
	f.watcher, f.cancel = nil, nil
	f.mu.Unlock()
	if w == nil {
		return nil
	}
	cancel()
	err := w.Close()
	f.wg.Wait()
	return err
}
