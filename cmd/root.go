// Package cmd defines the ssrproxy command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ssr-proxy/internal/config"
	"github.com/JakeFAU/ssr-proxy/internal/server"
)

// Runner is the part of the application the serve command drives.
type Runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can swap in
// a fake runner.
var newApp = func(ctx context.Context, cfg config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

// flags holds the values bound to command-line flags.
type flags struct {
	configFile string
	port       int
	target     string
	staticDir  string
	proxyOrder []string
	logLevel   string
	logDev     bool
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "ssrproxy",
		Short: "A server-side rendering reverse proxy.",
		Long: `ssrproxy sits in front of a web application and answers each request
with a chain of strategies: render the page in a headless browser for
crawlers, forward it to the backend, or serve it from a static directory.
Rendered pages are cached and can be refreshed on a schedule.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configFile, "config", "", "path to a YAML config file")
	pf.IntVar(&f.port, "port", 0, "listen port (overrides server.port)")
	pf.StringVar(&f.target, "target", "", "backend origin (overrides server.target_route)")
	pf.StringVar(&f.staticDir, "static-dir", "", "static file root (overrides static.dir)")
	pf.StringSliceVar(&f.proxyOrder, "proxy-order", nil, "comma-separated strategy order (replaces proxy.order)")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (overrides logging.level)")
	pf.BoolVar(&f.logDev, "log-dev", false, "use the development log encoder")

	cmd.AddCommand(newServeCmd(f), newConfigCmd(f))
	return cmd
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return config.Config{}, err
	}
	return cfg.Merge(f.overlay(cmd))
}

// overlay turns explicitly set flags into a config overlay. Flags left at
// their defaults are not part of it.
func (f *flags) overlay(cmd *cobra.Command) config.Overlay {
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	var o config.Overlay
	if changed("port") {
		o.Port = &f.port
	}
	if changed("target") {
		o.TargetRoute = &f.target
	}
	if changed("static-dir") {
		o.StaticDir = &f.staticDir
	}
	if changed("proxy-order") {
		o.ProxyOrder = f.proxyOrder
	}
	if changed("log-level") {
		o.LogLevel = &f.logLevel
	}
	if changed("log-dev") {
		o.LogDevelopment = &f.logDev
	}
	return o
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
