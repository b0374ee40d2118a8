package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/sockguard/internal/config"
	"github.com/tkingovr/sockguard/internal/proxy"
)

var (
	configValidate    bool
	configShowDefault bool
	configFormat      string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the configuration",
	Example: `  sockguard config --show-default > ~/.config/sockguard/config.toml
  sockguard config -c config.toml --validate
  sockguard config -c config.toml --format json`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configValidate, "validate", false, "check the config and report problems")
	configCmd.Flags().BoolVar(&configShowDefault, "show-default", false, "print a commented starter config")
	configCmd.Flags().StringVar(&configFormat, "format", "toml", "output format: toml or json")
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configShowDefault {
		fmt.Print(config.DefaultTOML)
		return nil
	}

	path := cfgFile
	if path == "" {
		path = config.Locate()
	}
	if path == "" {
		return fmt.Errorf("no config file found (searched %v)", config.DefaultPaths())
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if configValidate {
		res := proxy.Validate(cfg.Topology(), cfg.RunOptions(logger))
		if res.Valid {
			fmt.Printf("%s: ok\n", path)
			return nil
		}
		for _, p := range res.Problems {
			fmt.Fprintf(os.Stderr, "%s: %s\n", path, p)
		}
		return fmt.Errorf("%d problem(s)", len(res.Problems))
	}

	switch configFormat {
	case "toml":
		out, err := cfg.MarshalTOML()
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.File)
	default:
		return fmt.Errorf("unknown format %q (toml or json)", configFormat)
	}
	return nil
}
