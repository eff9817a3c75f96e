// Package dirconfig loads the Directory Cache context's configuration
// from a TOML file, in the teacher's toml-tagged config-struct convention
// (metrics.Config's `toml:",omitempty"` style) via github.com/naoina/toml.
package dirconfig

import (
	"fmt"
	"io"
	"os"

	"github.com/naoina/toml"

	"github.com/tos-network/dircache/metrics"
)

// Tristate is a true/false/auto option (§6's UseMicrodescriptors).
type Tristate int

const (
	Auto Tristate = iota
	Enabled
	Disabled
)

// ParseTristate parses the "true"/"false"/"auto" strings accepted on the
// command line and in TOML config files.
func ParseTristate(s string) (Tristate, error) {
	switch s {
	case "", "auto":
		return Auto, nil
	case "true":
		return Enabled, nil
	case "false":
		return Disabled, nil
	default:
		return Auto, fmt.Errorf("dirconfig: invalid tristate %q", s)
	}
}

// Config is the Directory Cache context's configuration (§6).
type Config struct {
	DataDirectory string `toml:",omitempty"`

	// UseMicrodescriptors is "true", "false", or "auto"; parsed into a
	// Tristate via ParseTristate rather than decoded directly, since
	// naoina/toml maps enums onto their underlying integer representation.
	UseMicrodescriptors string `toml:",omitempty"`
	UseBridges          bool   `toml:",omitempty"`

	FetchUselessDescriptors bool `toml:",omitempty"`
	FetchV2Networkstatus    bool `toml:",omitempty"`
	FetchDirInfoExtraEarly  bool `toml:",omitempty"`

	FallbackNetworkstatusFile string `toml:",omitempty"`

	// NodeSnapshotPath, if set, is a leveldb directory where the node
	// table's identity/flags are warm-started from and saved to on each
	// rebuild (nodelinkage.Snapshot). Unset disables the snapshot.
	NodeSnapshotPath string `toml:",omitempty"`

	// Mirrors are the directory mirror/cache base URLs dirfetch.Client
	// dials.
	Mirrors []string `toml:",omitempty"`

	// Verbosity is a dirlog.Lvl value (0=crit .. 5=trace).
	Verbosity int `toml:",omitempty"`

	Metrics metrics.Config `toml:",omitempty"`
}

// DefaultConfig mirrors the teacher's DefaultConfig-per-package convention
// (e.g. metrics.DefaultConfig).
var DefaultConfig = Config{
	DataDirectory:       "./dircache-data",
	UseMicrodescriptors: "auto",
	Verbosity:           3, // info
	Metrics:             metrics.DefaultConfig,
}

// Load reads and parses a TOML config file at path, starting from
// DefaultConfig so unset fields keep their defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadReader(f)
}

// LoadReader parses TOML config from r.
func LoadReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig
	if err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("dirconfig: %w", err)
	}
	return &cfg, nil
}
