// Package cmd implements the council command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/charmbracelet/fang"
	"github.com/rand/council/internal/app"
	"github.com/rand/council/internal/config"
	"github.com/rand/council/internal/gateway"
	councillog "github.com/rand/council/internal/log"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// backendFactory replaces the fantasy provider factory when set.
var backendFactory gateway.Factory

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	rootCmd.PersistentFlags().StringP("config", "f", "", "Config file (default: first of .council.yaml, .council.yml, .council.toml, <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringP("data-dir", "D", "", "Custom council data directory")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging to stderr")

	rootCmd.AddCommand(
		serveCmd,
		askCmd,
		conversationsCmd,
		configCmd,
	)
}

var rootCmd = &cobra.Command{
	Use:   "council",
	Short: "Ask a council of language models",
	Long: heredoc.Doc(`
		Council sends each question to several language models in parallel,
		has them rank each other's anonymized answers, and asks a chairman
		model to synthesize the final response.
	`),
	Example: heredoc.Doc(`
		# Start the HTTP API
		council serve

		# Ask a one-off question
		council ask "How should first year students practice handovers?"

		# Continue an existing conversation
		council ask --conversation 3f1c... "And for second years?"

		# Inspect stored conversations
		council conversations list
	`),
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(Version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

// ResolveCwd returns the --cwd flag or the process working directory.
func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		abs, err := filepath.Abs(cwd)
		if err != nil {
			return "", fmt.Errorf("resolve cwd: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("cwd %s: %w", abs, err)
		}
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

// loadConfig reads the configuration selected by the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	cwd, err := ResolveCwd(cmd)
	if err != nil {
		return nil, "", err
	}
	path, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Init(cwd, path, dataDir, debug)
	if err != nil {
		return nil, cwd, fmt.Errorf("load config: %w", err)
	}
	return cfg, cwd, nil
}

// setupLogging routes logs for a command. Long running commands log to
// stderr; one-shot commands keep stderr for progress and log to a file
// under the data directory unless debugging.
func setupLogging(cmd *cobra.Command, cfg *config.Config, longRunning bool) io.Closer {
	logFile := cfg.Options.LogFile
	if logFile == "" && !longRunning && !cfg.Options.Debug {
		logFile = filepath.Join(cfg.Options.DataDirectory, "logs", "council.log")
	}
	return councillog.Setup(cmd.ErrOrStderr(), logFile, cfg.Options.Debug)
}

// setupApp loads configuration, configures logging and builds the app.
// The returned cleanup shuts everything down.
func setupApp(cmd *cobra.Command, longRunning bool) (*app.App, func(), error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logCloser := setupLogging(cmd, cfg, longRunning)

	a, err := app.New(cmd.Context(), cfg, app.Options{Factory: backendFactory})
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	return a, func() {
		a.Shutdown()
		logCloser.Close()
	}, nil
}

// MaybePrependStdin prefixes prompt with piped stdin content. Terminals are
// left alone.
func MaybePrependStdin(in io.Reader, prompt string) (string, error) {
	if in == nil {
		return prompt, nil
	}
	if f, ok := in.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil || fi.Mode()&os.ModeCharDevice != 0 {
			return prompt, nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	piped := strings.TrimSpace(string(data))
	if piped == "" {
		return prompt, nil
	}
	if prompt == "" {
		return piped, nil
	}
	return piped + "\n\n" + prompt, nil
}
