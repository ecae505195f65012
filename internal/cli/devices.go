package cli

import (
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"compiled/internal/backend"
)

func newDevicesCmd(e *env) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := e.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			tw := tablewriter.NewWriter(e.stdout)
			header := []string{"Name", "Kind", "Location", "Cache dir"}
			if probe {
				header = append(header, "Architecture", "Import/export")
			}
			tw.SetHeader(header)
			tw.SetBorder(false)
			tw.SetAutoWrapText(false)
			def := d.core.Status().DefaultDevice
			for _, dev := range d.core.Devices() {
				name := dev.Name
				if name == def {
					name += " *"
				}
				row := []string{name, dev.Kind, dev.Location, dev.CacheDir}
				if probe {
					row = append(row, e.probe(d, dev.Name)...)
				}
				tw.Append(row)
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Load each backend and report its architecture")
	return cmd
}

// probe loads device and reads the properties shown by `devices --probe`.
func (e *env) probe(d *daemon, device string) []string {
	arch, err := d.core.GetProperty(device, backend.PropDeviceArchitecture, nil)
	if err != nil {
		e.log.Warn().Err(err).Str("device", device).Msg("probe failed")
		return []string{"unavailable", "-"}
	}
	b, err := d.core.Backend(device)
	if err != nil {
		return []string{backend.AsString(arch), "-"}
	}
	return []string{backend.AsString(arch), strconv.FormatBool(backend.SupportsImportExport(b))}
}
