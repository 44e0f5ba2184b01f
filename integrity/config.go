package integrity

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// PolicyConfig is the boot-time policy read from TOML: which
// chipset/CPU family values this build trusts an ACM to support, and
// the event log's declared version/algorithm set. roottaskd loads this
// once at boot and feeds it to NewLogFromConfig; the trusted chipset and
// CPU family lists are not read by Boot.
type PolicyConfig struct {
	TrustedChipsetIDs  []uint32 `toml:"trusted_chipset_ids"`
	TrustedCPUFamilies []uint32 `toml:"trusted_cpu_families"`
	LogVersion         uint8    `toml:"log_version"`
	LogAlgorithms      []string `toml:"log_algorithms"`
}

func (c PolicyConfig) algIDs() ([]AlgID, error) {
	out := make([]AlgID, 0, len(c.LogAlgorithms))
	for _, name := range c.LogAlgorithms {
		switch name {
		case "sha1":
			out = append(out, SHA1)
		case "sha256":
			out = append(out, SHA256)
		case "sha384":
			out = append(out, SHA384)
		case "sha512":
			out = append(out, SHA512)
		default:
			return nil, errors.Errorf("integrity: unknown log algorithm %q", name)
		}
	}
	return out, nil
}

// LoadPolicyConfig reads and decodes a PolicyConfig from path on fs,
// following containerd-config.toml's open-decode-validate shape.
func LoadPolicyConfig(fs afero.Fs, path string) (*PolicyConfig, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "integrity: open %s", path)
	}
	defer f.Close()

	var cfg PolicyConfig
	if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "integrity: decode %s", path)
	}
	if _, err := cfg.algIDs(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewLogFromConfig builds a Log using the config's declared version
// and algorithm set.
func NewLogFromConfig(cfg *PolicyConfig) (*Log, error) {
	algs, err := cfg.algIDs()
	if err != nil {
		return nil, err
	}
	return NewLog(cfg.LogVersion, algs, nil), nil
}
