package cli

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWarmCmd(e *env) *cobra.Command {
	var (
		devices []string
		jobs    int
		opts    []string
	)
	cmd := &cobra.Command{
		Use:     "warm <model-file>...",
		Short:   "Populate the cache by compiling models on one or more devices in parallel",
		Example: "  compiled warm --cache-dir /var/cache/compiled --device REF --device ACC1 models/*.yaml",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOptions(opts)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				devices = []string{""}
			}
			d, err := e.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			var (
				mu             sync.Mutex
				hits, compiles atomic.Int64
			)
			g := new(errgroup.Group)
			g.SetLimit(max(jobs, 1))
			for _, dev := range devices {
				for _, path := range args {
					g.Go(func() error {
						cm, err := d.core.CompileFile(cmd.Context(), path, dev, o)
						if err != nil {
							e.log.Error().Err(err).Str("device", dev).Str("model", path).Msg("warm failed")
							return fmt.Errorf("%s on %q: %w", path, dev, err)
						}
						defer cm.Release()
						source := "compiled"
						if cm.LoadedFromCache {
							hits.Add(1)
							source = "cache"
						} else {
							compiles.Add(1)
						}
						mu.Lock()
						fmt.Fprintf(e.stdout, "%-10s %-8s %s\n", cm.Device, source, path)
						mu.Unlock()
						return nil
					})
				}
			}
			err = g.Wait()
			fmt.Fprintf(e.stdout, "%d compiled, %d from cache\n", compiles.Load(), hits.Load())
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&devices, "device", "d", nil, "Target device (repeatable; default device when omitted)")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 4, "Maximum concurrent compiles")
	cmd.Flags().StringArrayVar(&opts, "opt", nil, "Compile option KEY=VALUE (repeatable)")
	return cmd
}
