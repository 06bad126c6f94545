package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voxlens/internal/config"
)

const liveProfileYAML = `
server:
  log_level: info
analysis:
  profile: live
`

const uploadProfileYAML = `
server:
  log_level: debug
analysis:
  profile: upload
`

// change is one onChange invocation.
type change struct{ old, new *config.Config }

// watched is a config file under a running Watcher whose callbacks land
// in a channel.
type watched struct {
	path    string
	w       *config.Watcher
	changes chan change
}

func watch(t *testing.T, initial string) *watched {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxlens.yaml")
	writeFile(t, path, initial)

	changes := make(chan change, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changes <- change{old, new}
	}, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	// Let the fsnotify watch settle before the test edits the file.
	time.Sleep(50 * time.Millisecond)
	return &watched{path: path, w: w, changes: changes}
}

func (f *watched) next(t *testing.T) change {
	t.Helper()
	select {
	case c := <-f.changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no config change delivered")
		return change{}
	}
}

func (f *watched) quiet(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.changes:
		t.Fatalf("unexpected change to profile %q", c.new.Analysis.Profile)
	case <-time.After(250 * time.Millisecond):
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcher_ProfileSwitch(t *testing.T) {
	t.Parallel()
	f := watch(t, liveProfileYAML)

	if got := f.w.Current().Analysis.Profile; got != "live" {
		t.Fatalf("initial profile = %q, want live", got)
	}

	writeFile(t, f.path, uploadProfileYAML)
	c := f.next(t)
	if c.old.Analysis.Profile != "live" || c.new.Analysis.Profile != "upload" {
		t.Errorf("change = %q -> %q, want live -> upload", c.old.Analysis.Profile, c.new.Analysis.Profile)
	}
	if c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("new log level = %q, want debug", c.new.Server.LogLevel)
	}
	if f.w.Current() != c.new {
		t.Error("Current() does not return the delivered config")
	}
}

func TestWatcher_BrokenEditIsSkipped(t *testing.T) {
	t.Parallel()
	f := watch(t, liveProfileYAML)

	writeFile(t, f.path, "analysis:\n  profile: karaoke\n")
	f.quiet(t)
	if got := f.w.Current().Analysis.Profile; got != "live" {
		t.Fatalf("profile after broken edit = %q, want live", got)
	}

	// Fixing the file is compared against the last good config.
	writeFile(t, f.path, uploadProfileYAML)
	c := f.next(t)
	if c.old.Analysis.Profile != "live" {
		t.Errorf("old profile = %q, want live", c.old.Analysis.Profile)
	}
}

func TestWatcher_UnchangedContentIsIgnored(t *testing.T) {
	t.Parallel()
	f := watch(t, liveProfileYAML)

	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(f.path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	writeFile(t, f.path, liveProfileYAML)
	f.quiet(t)
}

func TestWatcher_EditorRename(t *testing.T) {
	t.Parallel()
	f := watch(t, liveProfileYAML)

	tmp := f.path + ".tmp"
	writeFile(t, tmp, uploadProfileYAML)
	if err := os.Rename(tmp, f.path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := f.next(t).new.Analysis.Profile; got != "upload" {
		t.Errorf("profile after rename = %q, want upload", got)
	}

	// The watch survives the replaced inode.
	writeFile(t, f.path, liveProfileYAML)
	if got := f.next(t).new.Analysis.Profile; got != "live" {
		t.Errorf("profile after second edit = %q, want live", got)
	}
}

func TestWatcher_StopEndsDelivery(t *testing.T) {
	t.Parallel()
	f := watch(t, liveProfileYAML)

	f.w.Stop()
	f.w.Stop()
	writeFile(t, f.path, uploadProfileYAML)
	f.quiet(t)
}

func TestNewWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}
