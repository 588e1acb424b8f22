package isolation

import "testing"

func TestResolveHostMountsPresetsOnly(t *testing.T) {
	t.Setenv(EnvDockerMounts, "")
	mounts, err := ResolveHostMounts(nil)
	if err != nil {
		t.Fatalf("ResolveHostMounts: %v", err)
	}
	if len(mounts) != len(DefaultHostMounts()) {
		t.Errorf("got %d mounts, want the %d presets", len(mounts), len(DefaultHostMounts()))
	}
}

func TestResolveHostMountsUserOverridesPreset(t *testing.T) {
	t.Setenv(EnvDockerMounts, "")
	user := []HostMount{{HostPath: "/custom/gitconfig", ContainerPath: "/root/.gitconfig"}}
	mounts, err := ResolveHostMounts(user)
	if err != nil {
		t.Fatalf("ResolveHostMounts: %v", err)
	}
	for _, m := range mounts {
		if m.ContainerPath == "/root/.gitconfig" {
			if m.HostPath != "/custom/gitconfig" {
				t.Errorf("hostPath = %q, want user override", m.HostPath)
			}
			if m.ReadOnly {
				t.Error("override replaces the preset entry wholesale, including readOnly")
			}
			return
		}
	}
	t.Fatal("gitconfig mount missing")
}

func TestResolveHostMountsEnvOverridesAll(t *testing.T) {
	t.Setenv(EnvDockerMounts, `[{"hostPath":"/env/cache","containerPath":"/cache","readOnly":true}]`)
	mounts, err := ResolveHostMounts([]HostMount{{HostPath: "/user/cache", ContainerPath: "/cache"}})
	if err != nil {
		t.Fatalf("ResolveHostMounts: %v", err)
	}
	for _, m := range mounts {
		if m.ContainerPath == "/cache" {
			if m.HostPath != "/env/cache" || !m.ReadOnly {
				t.Errorf("mount = %+v, want env layer to win", m)
			}
			return
		}
	}
	t.Fatal("/cache mount missing")
}

func TestResolveHostMountsEmptyHostPathRemoves(t *testing.T) {
	t.Setenv(EnvDockerMounts, `[{"hostPath":"","containerPath":"/root/.gitconfig"}]`)
	mounts, err := ResolveHostMounts(nil)
	if err != nil {
		t.Fatalf("ResolveHostMounts: %v", err)
	}
	for _, m := range mounts {
		if m.ContainerPath == "/root/.gitconfig" {
			t.Error("empty hostPath must remove the preset mount")
		}
	}
}

func TestResolveHostMountsMalformedEnv(t *testing.T) {
	t.Setenv(EnvDockerMounts, "{not json")
	if _, err := ResolveHostMounts(nil); err == nil {
		t.Fatal("expected an error for malformed ZEROSHOT_DOCKER_MOUNTS")
	}
}
