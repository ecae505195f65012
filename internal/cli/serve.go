package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"compiled/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(e *env) *cobra.Command {
	var (
		addr           string
		maxBodyBytes   int64
		compileTimeout time.Duration
		corsOrigins    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = e.cfg.Addr
			}
			if addr == "" {
				addr = ":8080"
			}
			if origins := splitCSV(corsOrigins); len(origins) > 0 {
				e.cfg.CORS.Enabled = true
				e.cfg.CORS.Origins = origins
			}

			d, err := e.daemon()
			if err != nil {
				return err
			}
			defer d.Close()

			httpapi.SetLogger(e.log)
			httpapi.SetDefaultLogLevel(e.cfg.LogLevel)
			httpapi.SetMaxBodyBytes(maxBodyBytes)
			httpapi.SetCompileTimeout(compileTimeout)
			httpapi.SetCORSOptions(e.cfg.CORS)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			httpapi.SetBaseContext(ctx)

			srv := &http.Server{
				Addr:              addr,
				Handler:           httpapi.NewMux(d.core),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				st := d.core.Status()
				e.log.Info().Str("addr", addr).Int("devices", len(st.Devices)).Str("cache_dir", st.CacheDir).Msg("compiled listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			e.log.Info().Msg("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				e.log.Warn().Err(err).Msg("graceful shutdown error")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", os.Getenv("COMPILED_ADDR"), "HTTP listen address, e.g. :8080 (defaults COMPILED_ADDR)")
	f.Int64Var(&maxBodyBytes, "max-body-bytes", 0, "Maximum JSON request body size (0 = 64MiB)")
	f.DurationVar(&compileTimeout, "compile-timeout", 0, "Timeout for /compile and /import (0 = none)")
	f.StringVar(&corsOrigins, "cors-origins", os.Getenv("COMPILED_CORS_ORIGINS"), "Comma-separated allowed CORS origins; enables CORS")
	return cmd
}

// splitCSV splits a comma-separated list, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
