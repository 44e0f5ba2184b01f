package main

import (
	"testing"

	"github.com/spf13/afero"
)

const policyTOML = `
trusted_chipset_ids = [1]
trusted_cpu_families = [6]
log_version = 3
log_algorithms = ["sha256"]
`

const manifestTOML = `
obj_selector_bits = 20
bpl = 9

[process]
args = ["/init"]
entry_ip = 4096
stack_top = 1048576

[[modules]]
destination = "/init"
phys_base = 4096
phys_size = 4096
options = ["exec"]
`

func writeFixtures(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/policy.toml", []byte(policyTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/manifest.toml", []byte(manifestTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestBootAssemblesKernel(t *testing.T) {
	fs := writeFixtures(t)
	cfg := config{policyPath: "/policy.toml", manifestPath: "/manifest.toml", ncpus: 2}

	result, err := boot(fs, cfg, nil)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if result.RootPD == nil || result.RootEC == nil {
		t.Fatal("boot did not produce a root PD/EC")
	}
	if result.RootEC.Regs.RIP != 4096 {
		t.Fatalf("root EC entry = %#x, want 0x1000", result.RootEC.Regs.RIP)
	}
	if result.Registry.GetPD(result.RootPD.Handle()) != result.RootPD {
		t.Fatal("root PD not registered")
	}
	sc, err := result.Sched.Schedule(0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if sc.EC != result.RootEC {
		t.Fatal("scheduler's top SC is not bound to the root EC")
	}
}

func TestBootFailsOnMissingManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/policy.toml", []byte(policyTOML), 0o644)
	cfg := config{policyPath: "/policy.toml", manifestPath: "/nope.toml", ncpus: 1}

	if _, err := boot(fs, cfg, nil); err == nil {
		t.Fatal("expected an error for a missing manifest")
	}
}

func TestDropPrivilegesNoopAtZero(t *testing.T) {
	if err := dropPrivileges(0); err != nil {
		t.Fatalf("dropPrivileges(0) should be a no-op, got %v", err)
	}
}
