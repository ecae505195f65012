// Command refbackend serves the reference backend as a plugin executable.
// The daemon starts it through the dynamic-module loader; it is not meant
// to be run by hand.
//
// Install it as compiled-backend-<device> in a plugin directory to have the
// daemon register it as <DEVICE>.
package main

import (
	"flag"
	"os"

	"github.com/hashicorp/go-hclog"

	"compiled/internal/backend/reference"
	"compiled/internal/backend/rpcplugin"
)

func main() {
	defaultArch := "ref-v1"
	if v := os.Getenv("COMPILED_REF_ARCH"); v != "" {
		defaultArch = v
	}
	arch := flag.String("arch", defaultArch, "Architecture reported as DEVICE_ARCHITECTURE")
	noExport := flag.Bool("no-export", false, "Disable artifact export/import")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "refbackend",
		Level:      hclog.LevelFromString(os.Getenv("COMPILED_PLUGIN_LOG_LEVEL")),
		Output:     os.Stderr,
		JSONFormat: true,
	})
	logger.Debug("starting", "arch", *arch, "export", !*noExport)
	rpcplugin.Serve(reference.New(reference.Config{
		Architecture:   *arch,
		NoImportExport: *noExport,
	}), logger)
}
