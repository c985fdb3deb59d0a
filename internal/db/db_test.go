package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathDefaultsToCurrentDir(t *testing.T) {
	if got := Path(""); got != filepath.Join(".opsboard", "opsboard.db") {
		t.Fatalf("unexpected default path %s", got)
	}
	ws := filepath.Join("some", "shop")
	if got := Path(ws); got != filepath.Join(ws, ".opsboard", "opsboard.db") {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestEnsureWorkspaceCreatesDir(t *testing.T) {
	ws := t.TempDir()
	dir, err := EnsureWorkspace(ws)
	if err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	if dir != filepath.Dir(Path(ws)) {
		t.Fatalf("unexpected dir %s", dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("workspace dir missing: %v", err)
	}
}
