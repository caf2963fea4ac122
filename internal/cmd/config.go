package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/x/editor"
	"github.com/rand/council/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	// config show flags
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	configShowCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")

	configCmd.AddCommand(
		configShowCmd,
		configEditCmd,
		configValidateCmd,
		configPathCmd,
		configSchemaCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for managing council configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the current effective configuration after merging all sources. API keys are masked.",
	Example: `
# Show config in human-readable format
council config show

# Show config as JSON
council config show --json

# Show config as YAML
council config show --yaml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = cfg.Redacted()
		out := cmd.OutOrStdout()

		if asJSON {
			return writeIndentedJSON(out, cfg)
		}

		if asYAML {
			encoder := yaml.NewEncoder(out)
			encoder.SetIndent(2)
			return encoder.Encode(cfg)
		}

		// Human-readable format
		fmt.Fprintln(out, "Effective Configuration")
		fmt.Fprintln(out, "=======================")
		fmt.Fprintln(out)

		source := cfg.Source()
		if source == "" {
			source = "(defaults)"
		}
		fmt.Fprintf(out, "Source:              %s\n", source)
		fmt.Fprintln(out)

		fmt.Fprintln(out, "Options:")
		fmt.Fprintf(out, "  Data Directory:    %s\n", cfg.Options.DataDirectory)
		fmt.Fprintf(out, "  Debug:             %v\n", cfg.Options.Debug)
		if cfg.Options.LogFile != "" {
			fmt.Fprintf(out, "  Log File:          %s\n", cfg.Options.LogFile)
		}
		fmt.Fprintln(out)

		fmt.Fprintln(out, "Server:")
		fmt.Fprintf(out, "  Address:           %s\n", cfg.Server.Addr)
		if len(cfg.Server.AllowedOrigins) > 0 {
			fmt.Fprintf(out, "  Allowed Origins:   %s\n", strings.Join(cfg.Server.AllowedOrigins, ", "))
		}
		fmt.Fprintln(out)

		fmt.Fprintln(out, "Storage:")
		fmt.Fprintf(out, "  Backend:           %s\n", cfg.Storage.Backend)
		if cfg.Storage.Replica != "" {
			fmt.Fprintf(out, "  Replica:           %s\n", cfg.Storage.Replica)
		}
		fmt.Fprintln(out)

		fmt.Fprintln(out, "Gateway:")
		fmt.Fprintf(out, "  Timeout:           %s\n", cfg.Gateway.Timeout)
		if cfg.Gateway.RateLimit > 0 {
			fmt.Fprintf(out, "  Rate Limit:        %g/s per provider\n", cfg.Gateway.RateLimit)
		}
		fmt.Fprintf(out, "  Breaker:           %d failures, %s recovery\n", cfg.Gateway.Breaker.FailureThreshold, cfg.Gateway.Breaker.RecoveryTimeout)
		if cfg.Fanout.MaxParallel > 0 {
			fmt.Fprintf(out, "  Max Parallel:      %d\n", cfg.Fanout.MaxParallel)
		}
		fmt.Fprintln(out)

		fmt.Fprintln(out, "Council:")
		for _, m := range cfg.Council.Members {
			fmt.Fprintf(out, "  %-18s %s (%s)\n", m.ID+":", m.Binding, m.Name)
			if m.APIKey != "" {
				fmt.Fprintf(out, "    API Key:         %s\n", m.APIKey)
			}
		}
		fmt.Fprintf(out, "  %-18s %s (%s)\n", "chairman:", cfg.Council.Chairman.Binding, cfg.Council.Chairman.Name)
		fmt.Fprintf(out, "  %-18s %s\n", "title:", cfg.Council.Title)
		fmt.Fprintf(out, "  %-18s %s\n", "custom roles:", cfg.Council.Custom)
		fmt.Fprintln(out)

		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  "Open the configuration file in your default editor, creating it from the defaults when missing",
	Example: `
# Edit config with $EDITOR
council config edit
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := configFilePath(cmd)
		if err != nil {
			return err
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("create default config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created new config file: %s\n", configPath)
		}

		execCmd, err := editor.Command("council", configPath)
		if err != nil {
			return fmt.Errorf("open editor: %w", err)
		}
		execCmd.Stdin = os.Stdin
		execCmd.Stdout = cmd.OutOrStdout()
		execCmd.Stderr = cmd.ErrOrStderr()

		return execCmd.Run()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Check the configuration for errors and warnings",
	Example: `
# Validate configuration
council config validate
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, _, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "✗ Configuration error: %v\n", err)
			return err
		}

		warnings := cfg.Warnings(os.Getenv)
		if _, err := os.Stat(cfg.Options.DataDirectory); os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("Data directory does not exist: %s (will be created)", cfg.Options.DataDirectory))
		}

		if len(warnings) > 0 {
			fmt.Fprintln(out, "Warnings:")
			for _, w := range warnings {
				fmt.Fprintf(out, "  ⚠ %s\n", w)
			}
			fmt.Fprintln(out, "\n✓ Configuration is valid with warnings")
			return nil
		}

		fmt.Fprintln(out, "✓ Configuration is valid")
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file paths",
	Long:  "Display the paths where configuration files are loaded from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := ResolveCwd(cmd)
		if err != nil {
			return err
		}
		dataDirFlag, _ := cmd.Flags().GetString("data-dir")
		dataDir := config.ResolveDataDir(dataDirFlag)
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration Paths (in order of precedence):")
		fmt.Fprintln(out)

		active := ""
		if explicit, _ := cmd.Flags().GetString("config"); explicit != "" {
			active = explicit
			fmt.Fprintf(out, "  → --config\n    %s\n", explicit)
		}
		for _, p := range config.Paths(cwd, dataDir) {
			status := "✗"
			if _, err := os.Stat(p); err == nil {
				status = "✓"
				if active == "" {
					active = p
				}
			}
			fmt.Fprintf(out, "  %s %s\n", status, p)
		}

		fmt.Fprintln(out)
		if active == "" {
			active = "(none, using defaults)"
		}
		fmt.Fprintf(out, "Active config:  %s\n", active)
		fmt.Fprintf(out, "Data directory: %s\n", dataDir)

		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration JSON schema",
	Example: `
# Point your editor's YAML language server at the schema
council config schema > ~/.council/schema.json
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(config.Schema(), "", "  ")
		if err != nil {
			return fmt.Errorf("encode schema: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

// configFilePath returns the file config edit should open: --config, the
// first existing candidate, or the data directory default.
func configFilePath(cmd *cobra.Command) (string, error) {
	if explicit, _ := cmd.Flags().GetString("config"); explicit != "" {
		return filepath.Abs(explicit)
	}
	cwd, err := ResolveCwd(cmd)
	if err != nil {
		return "", err
	}
	dataDirFlag, _ := cmd.Flags().GetString("data-dir")
	dataDir := config.ResolveDataDir(dataDirFlag)
	for _, p := range config.Paths(cwd, dataDir) {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(dataDir, "config.yaml"), nil
}
