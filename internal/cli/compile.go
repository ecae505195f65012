package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"compiled/internal/cachekey"
	"compiled/internal/core"
)

func newCompileCmd(e *env) *cobra.Command {
	var (
		device string
		output string
		opts   []string
	)
	cmd := &cobra.Command{
		Use:     "compile <model-file>",
		Short:   "Compile a model file through the cache",
		Example: "  compiled compile --cache-dir ~/.cache/compiled --device REF model.yaml\n  compiled compile -o model.blob --opt PRECISION=f16 model.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOptions(opts)
			if err != nil {
				return err
			}
			d, err := e.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			cm, err := d.core.CompileFile(cmd.Context(), args[0], device, o)
			if err != nil {
				return err
			}
			defer cm.Release()
			printCompiled(e.stdout, cm)
			if output == "" {
				return nil
			}
			data, err := cm.Export()
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(e.stdout, "exported %d bytes to %s\n", len(data), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&device, "device", "d", "", "Target device (empty = default device)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the exported artifact to this file")
	cmd.Flags().StringArrayVar(&opts, "opt", nil, "Compile option KEY=VALUE (repeatable)")
	return cmd
}

func newImportCmd(e *env) *cobra.Command {
	var (
		device string
		opts   []string
	)
	cmd := &cobra.Command{
		Use:   "import <artifact-file>",
		Short: "Import an exported artifact on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOptions(opts)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			d, err := e.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			cm, err := d.core.Import(cmd.Context(), data, device, o)
			if err != nil {
				return err
			}
			defer cm.Release()
			printCompiled(e.stdout, cm)
			return nil
		},
	}
	cmd.Flags().StringVarP(&device, "device", "d", "", "Target device (empty = default device)")
	cmd.Flags().StringArrayVar(&opts, "opt", nil, "Import option KEY=VALUE (repeatable)")
	return cmd
}

func printCompiled(w io.Writer, cm *core.CompiledModel) {
	source := "compiled"
	if cm.LoadedFromCache {
		source = "cache"
	}
	fmt.Fprintf(w, "model %s on %s from %s in %s\n", cm.Name(), cm.Device, source, cm.Duration.Round(time.Microsecond))
	if cm.Key != (cachekey.Key{}) {
		fmt.Fprintf(w, "key    %s\n", cm.Key)
	}
	states := make([]string, len(cm.States))
	for i, s := range cm.States {
		states[i] = string(s)
	}
	fmt.Fprintf(w, "states %s\n", strings.Join(states, " "))
}
