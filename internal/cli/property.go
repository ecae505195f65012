package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"compiled/internal/backend"
)

func newPropertyCmd(e *env) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "property <name>",
		Short: "Read a device property, or a core property when no device is given",
		Example: "  compiled property --device REF DEVICE_ARCHITECTURE\n" +
			"  compiled property --device REF.1 PRECISION\n" +
			"  compiled property AVAILABLE_DEVICES",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := e.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			v, err := d.core.GetProperty(device, args[0], nil)
			if err != nil {
				return err
			}
			return printValue(e, v)
		},
	}
	cmd.Flags().StringVarP(&device, "device", "d", "", "Device name, optionally with a sub-device suffix")
	return cmd
}

func printValue(e *env, v any) error {
	if s, ok := v.(string); ok {
		_, err := fmt.Fprintln(e.stdout, s)
		return err
	}
	if list := backend.AsStrings(v); list != nil {
		for _, s := range list {
			if _, err := fmt.Fprintln(e.stdout, s); err != nil {
				return err
			}
		}
		return nil
	}
	enc := json.NewEncoder(e.stdout)
	return enc.Encode(v)
}
