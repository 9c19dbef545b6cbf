package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chattomap/ctm/internal/config"
)

func TestBaseDirDefault(t *testing.T) {
	t.Setenv("CTM_HOME", "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".ctm"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CTM_HOME", dir)
	if got := BaseDir(); got != dir {
		t.Errorf("BaseDir() = %q, want %q", got, dir)
	}
	if got := SocketPath(); got != filepath.Join(dir, "ctmd.sock") {
		t.Errorf("SocketPath() = %q", got)
	}
}

func TestLogPath(t *testing.T) {
	got := LogPath("ctmd")
	if !strings.HasSuffix(got, filepath.Join("logs", "ctmd.log")) {
		t.Errorf("LogPath(ctmd) = %q, want suffix logs/ctmd.log", got)
	}
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("CTM_HOME", filepath.Join(t.TempDir(), "ws"))
	if err := EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{BaseDir(), RunDir(), ExportDir(), LogDir()} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if info.Mode().Perm() != 0700 {
			t.Errorf("%s perm = %o, want 0700", d, info.Mode().Perm())
		}
	}
}

func TestResolveDBPath(t *testing.T) {
	tests := []struct {
		name string
		flag string
		cfg  *config.Config
		want string
	}{
		{"flag wins", "/tmp/flag.db", &config.Config{DBPath: "/tmp/cfg.db"}, "/tmp/flag.db"},
		{"config next", "", &config.Config{DBPath: "/tmp/cfg.db"}, "/tmp/cfg.db"},
		{"nil config", "", nil, DefaultChatDBPath()},
		{"system default", "", &config.Config{}, DefaultChatDBPath()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveDBPath(tt.flag, tt.cfg); got != tt.want {
				t.Errorf("ResolveDBPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
