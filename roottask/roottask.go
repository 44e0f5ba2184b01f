// Package roottask describes the initial-layout manifest a boot loader
// hands the kernel core for its one privileged client: the root task
// (spec §1, §4.K). The manifest format follows the OCI runtime-spec's
// struct conventions (a typed list of mounts/modules plus a process
// entry point) the way idMap/linuxUtils lean on specs-go for config
// shape, even though nothing here runs inside a container.
package roottask

import (
	"github.com/BurntSushi/toml"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Module is one boot module the loader placed in physical memory
// before entering the kernel (an init binary, a device tree blob, the
// root task's own image). Destination/Source/Options mirror
// specs.Mount's fields; PhysBase/PhysSize locate the module the loader
// actually placed, since a boot module has no filesystem to mount from.
type Module struct {
	specs.Mount
	PhysBase uint64 `toml:"phys_base"`
	PhysSize uint64 `toml:"phys_size"`
}

// Process mirrors the handful of specs.Process fields that make sense
// for a freestanding root task: there is no filesystem cwd or env to
// inherit, only an entry point and initial stack.
type Process struct {
	Args     []string `toml:"args"`
	EntryIP  uint64   `toml:"entry_ip"`
	StackTop uint64   `toml:"stack_top"`
}

// Manifest is the full initial layout: which modules to map into the
// root PD's spaces, at what permissions, and where the root task's
// first EC starts running.
type Manifest struct {
	Modules []Module `toml:"modules"`
	Process Process  `toml:"process"`

	// ObjSelectorBits/BPL size the root PD's own OBJ space (spec §3).
	ObjSelectorBits int `toml:"obj_selector_bits"`
	BPL             int `toml:"bpl"`
}

// Load reads and decodes a Manifest from path on fs, following
// containerdUtils's open-decode-validate shape (see integrity.LoadPolicyConfig).
func Load(fs afero.Fs, path string) (*Manifest, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "roottask: open %s", path)
	}
	defer f.Close()

	var m Manifest
	if _, err := toml.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "roottask: decode %s", path)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest is internally consistent: every module
// has a non-empty destination name, a non-zero physical extent, and no
// two modules overlap in physical memory.
func (m *Manifest) Validate() error {
	if m.Process.EntryIP == 0 {
		return errors.New("roottask: process entry_ip must be set")
	}
	if m.ObjSelectorBits <= 0 {
		return errors.New("roottask: obj_selector_bits must be positive")
	}
	for i, mod := range m.Modules {
		if mod.Destination == "" {
			return errors.Errorf("roottask: module %d missing destination", i)
		}
		if mod.PhysSize == 0 {
			return errors.Errorf("roottask: module %q has zero size", mod.Destination)
		}
		for j, other := range m.Modules {
			if i == j {
				continue
			}
			if overlaps(mod.PhysBase, mod.PhysSize, other.PhysBase, other.PhysSize) {
				return errors.Errorf("roottask: modules %q and %q overlap in physical memory", mod.Destination, other.Destination)
			}
		}
	}
	return nil
}

func overlaps(aBase, aSize, bBase, bSize uint64) bool {
	aEnd, bEnd := aBase+aSize, bBase+bSize
	return aBase < bEnd && bBase < aEnd
}
