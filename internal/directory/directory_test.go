package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/testutil/testlog"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestStaticResolve(t *testing.T) {
	testlog.Start(t)
	s, err := NewStatic(Bindings{"settings": 7})
	if err != nil {
		t.Fatalf("new static: %v", err)
	}
	id, ok, err := s.Resolve(context.Background(), "settings")
	if err != nil || !ok || id != 7 {
		t.Fatalf("resolve settings: %d %v %v", id, ok, err)
	}
	if _, ok, _ := s.Resolve(context.Background(), "audio"); ok {
		t.Fatalf("unbound name resolved")
	}
	if err := s.Bind("audio", 9); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if names := s.Names(); len(names) != 2 || names[0] != "audio" || names[1] != "settings" {
		t.Fatalf("names: %v", names)
	}
	if !s.Unbind("audio") || s.Unbind("audio") {
		t.Fatalf("unbind should report presence once")
	}
}

func TestStaticRejectsReservedAndBlank(t *testing.T) {
	testlog.Start(t)
	if _, err := NewStatic(Bindings{"core": envelope.CoreService}); !errors.Is(err, ErrReservedService) {
		t.Fatalf("expected ErrReservedService, got %v", err)
	}
	s, _ := NewStatic(nil)
	if err := s.Bind(" padded ", 3); !errors.Is(err, ErrInvalidBinding) {
		t.Fatalf("expected ErrInvalidBinding, got %v", err)
	}
}

func TestStaticResolveHonoursContext(t *testing.T) {
	testlog.Start(t)
	s, _ := NewStatic(Bindings{"settings": 7})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Resolve(ctx, "settings"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoadFileYAMLAndTOML(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	y := filepath.Join(dir, "services.yaml")
	writeFile(t, y, "services:\n  - name: settings\n    id: 7\n  - name: audio\n    id: 9\n")
	b, err := LoadFile(y)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if b["settings"] != 7 || b["audio"] != 9 {
		t.Fatalf("yaml bindings: %v", b)
	}

	tm := filepath.Join(dir, "services.toml")
	writeFile(t, tm, "[[services]]\nname = \"settings\"\nid = 7\n")
	b, err = LoadFile(tm)
	if err != nil {
		t.Fatalf("toml: %v", err)
	}
	if len(b) != 1 || b["settings"] != 7 {
		t.Fatalf("toml bindings: %v", b)
	}

	empty := filepath.Join(dir, "empty.yml")
	writeFile(t, empty, "")
	if b, err := LoadFile(empty); err != nil || len(b) != 0 {
		t.Fatalf("empty yaml: %v %v", b, err)
	}
}

func TestLoadFileErrors(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	dup := filepath.Join(dir, "dup.yaml")
	writeFile(t, dup, "services:\n  - {name: a, id: 1}\n  - {name: a, id: 2}\n")
	if _, err := LoadFile(dup); !errors.Is(err, ErrDuplicateService) {
		t.Fatalf("expected ErrDuplicateService, got %v", err)
	}
	reserved := filepath.Join(dir, "core.yaml")
	writeFile(t, reserved, "services:\n  - {name: core, id: 0}\n")
	if _, err := LoadFile(reserved); !errors.Is(err, ErrReservedService) {
		t.Fatalf("expected ErrReservedService, got %v", err)
	}
	unknown := filepath.Join(dir, "extra.yaml")
	writeFile(t, unknown, "services: []\nextra: true\n")
	if _, err := LoadFile(unknown); err == nil {
		t.Fatalf("expected unknown field error")
	}
	writeFile(t, filepath.Join(dir, "x.json"), "{}")
	if _, err := LoadFile(filepath.Join(dir, "x.json")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestEncodeYAMLRoundTrip(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeYAML(Bindings{"settings": 7, "audio": 9})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "out.yaml")
	writeFile(t, path, string(raw))
	b, err := LoadFile(path)
	if err != nil || b["settings"] != 7 || b["audio"] != 9 {
		t.Fatalf("reload: %v %v", b, err)
	}
}

func TestFileWatchReloads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "services.yaml")
	writeFile(t, path, "services:\n  - {name: settings, id: 7}\n")

	reloaded := make(chan Bindings, 4)
	f, err := OpenFile(path, WithDebounce(20*time.Millisecond), OnReload(func(b Bindings) { reloaded <- b }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if err := f.Watch(context.Background()); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeFile(t, path, "services:\n  - {name: settings, id: 8}\n  - {name: audio, id: 9}\n")
	select {
	case b := <-reloaded:
		if b["settings"] != 8 {
			t.Fatalf("unexpected reload: %v", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reload not observed")
	}
	id, ok, _ := f.Resolve(context.Background(), "audio")
	if !ok || id != 9 {
		t.Fatalf("resolver not updated: %d %v", id, ok)
	}
}

func TestFileReloadFailureKeepsBindings(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "services.yaml")
	writeFile(t, path, "services:\n  - {name: settings, id: 7}\n")
	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	writeFile(t, path, "services:\n  - {name: settings, id: 0}\n")
	if err := f.Reload(); !errors.Is(err, ErrReservedService) {
		t.Fatalf("expected ErrReservedService, got %v", err)
	}
	if id, ok, _ := f.Resolve(context.Background(), "settings"); !ok || id != 7 {
		t.Fatalf("previous bindings lost: %d %v", id, ok)
	}
}
