package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Overrides is the small subset of CLI flags that double as config-file
// overrides, mirrored from gcsfuse's cfg.BindFlags/cfg.Config split:
// the bulk of the config lives in the flat key-value file above, but a
// couple of flags (force deep scan, offline scan-only) need to win over
// whatever the config file says.
type Overrides struct {
	ForceScan bool
	ScanOnly  bool
}

// BindFlags binds the override flags via viper, the way gcsfuse's
// cfg.BindFlags binds its struct-tagged flags against cobra's pflag.FlagSet.
func BindFlags(flags *pflag.FlagSet) error {
	if err := viper.BindPFlag("force-scan", flags.Lookup("F")); err != nil {
		return err
	}
	return viper.BindPFlag("scan-only", flags.Lookup("c"))
}

// ApplyOverrides merges the bound viper values onto cfg, with the CLI/
// viper value always winning (the -F/-c are explicit user intent).
func ApplyOverrides(o *Overrides) {
	if viper.GetBool("force-scan") {
		o.ForceScan = true
	}
	if viper.GetBool("scan-only") {
		o.ScanOnly = true
	}
}
