package isolation

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareCredentialsCreatesDenyHooks(t *testing.T) {
	base := t.TempDir()
	dir, err := PrepareCredentials(base, "cluster-1")
	if err != nil {
		t.Fatalf("PrepareCredentials: %v", err)
	}
	want := filepath.Join(base, "cluster-1", "creds")
	if dir != want {
		t.Errorf("credsDir = %q, want %q", dir, want)
	}
	for _, name := range deniedInteractiveTools {
		path := filepath.Join(dir, "hooks", name)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("deny-hook %s missing: %v", name, err)
			continue
		}
		if info.Mode()&0o100 == 0 {
			t.Errorf("deny-hook %s not executable: mode %v", name, info.Mode())
		}
	}
}

func TestPrepareCredentialsFreshPerCluster(t *testing.T) {
	base := t.TempDir()
	dirA, err := PrepareCredentials(base, "cluster-a")
	if err != nil {
		t.Fatal(err)
	}
	dirB, err := PrepareCredentials(base, "cluster-b")
	if err != nil {
		t.Fatal(err)
	}
	if dirA == dirB {
		t.Errorf("expected distinct creds dirs per cluster, got %q for both", dirA)
	}
}
