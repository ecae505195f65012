// Package cli implements the compiled command tree: the HTTP daemon and
// local commands that drive the same core in-process.
package cli

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"compiled/internal/config"
)

// env wires the commands to the process: configuration, logger, streams.
type env struct {
	cfgPath string
	cfg     config.Config
	log     zerolog.Logger
	stdout  io.Writer
	stderr  io.Writer
}

// NewRootCmd constructs the command tree writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	e := &env{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "compiled",
		Short:         "Device backend registry and compilation cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&e.cfgPath, "config", os.Getenv("COMPILED_CONFIG"), "Config file (.yaml, .json or .toml; defaults COMPILED_CONFIG)")
	pf.String("log-level", envStr("COMPILED_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	pf.String("log-format", "console", "Log format: console|json")
	pf.String("cache-dir", "", "Global cache directory (empty disables caching)")
	pf.String("cache-store", "", "Cache store: fs|sqlite")
	pf.String("default-device", "", "Device used when a request names none")
	pf.String("plugin-dir", "", "Directory scanned for compiled-backend-* executables")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if e.cfgPath != "" {
			cfg, err := config.Load(e.cfgPath)
			if err != nil {
				return err
			}
			e.cfg = cfg
		}
		flags := cmd.Flags()
		override := func(name string, dst *string) {
			if f := flags.Lookup(name); f != nil && (f.Changed || *dst == "") {
				if v := f.Value.String(); v != "" {
					*dst = v
				}
			}
		}
		override("log-level", &e.cfg.LogLevel)
		override("log-format", &e.cfg.LogFormat)
		override("cache-dir", &e.cfg.Cache.Dir)
		override("cache-store", &e.cfg.Cache.Store)
		override("default-device", &e.cfg.DefaultDevice)
		override("plugin-dir", &e.cfg.PluginDir)
		if err := e.cfg.Validate(); err != nil {
			return err
		}
		e.log = newLogger(e.cfg.LogLevel, e.cfg.LogFormat, e.stderr)
		return nil
	}

	root.AddCommand(
		newServeCmd(e),
		newCompileCmd(e),
		newImportCmd(e),
		newDevicesCmd(e),
		newPropertyCmd(e),
		newWarmCmd(e),
	)
	return root
}

// Execute runs the command tree with the process arguments.
func Execute() error {
	return NewRootCmd(os.Stdout, os.Stderr).Execute()
}

// daemon builds the core for a local command.
func (e *env) daemon() (*daemon, error) {
	return newDaemon(&e.cfg, e.log, e.stderr)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
