package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"swkit/internal/build"
	"swkit/internal/config"
	"swkit/internal/log"
	"swkit/internal/server"
)

type globals struct {
	configPath string
	root       string
	logLevel   string
	logFormat  string

	cfg config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.GetLogger("swkit").Error().Err(err).Msg("failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "swkit",
		Short:         "Build, serve and inspect an offline-capable web app",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return g.load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, g, build.Production)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&g.configPath, "config", getenvDefault("SWKIT_CONFIG", config.DefaultPath), "path to swkit.yaml")
	f.StringVar(&g.root, "root", "", "project directory (overrides root in the config)")
	f.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&g.logFormat, "log-format", "", "log format: console or json")

	root.AddCommand(
		newBuildCmd(g),
		newCleanCmd(g),
		newDevCmd(g),
		newServeCmd(g),
		newInspectCmd(g),
	)
	return root
}

func (g *globals) load() error {
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if g.root != "" {
		cfg.Root = g.root
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	log.Configure(cfg.Logging)
	g.cfg = cfg
	return nil
}

func newBuildCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Run the production build and generate the service worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, g, build.Production)
		},
	}
}

func runBuild(cmd *cobra.Command, g *globals, mode build.Mode) error {
	res, err := build.New(g.cfg).Build(cmd.Context(), mode)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d assets, %d precached) in %s\n",
		mode, res.Info.Version, len(res.Assets), len(res.Manifest.Files), res.Duration.Round(time.Millisecond))
	return nil
}

func newCleanCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the build output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return build.New(g.cfg).Clean(cmd.Context())
		},
	}
}

func newDevCmd(g *globals) *cobra.Command {
	var watch, serve bool
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run a development build, optionally rebuilding on change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runBuild(cmd, g, build.Development); err != nil {
				if !watch {
					return err
				}
				log.GetLogger("swkit").Error().Err(err).Msg("initial build failed, watching anyway")
			}
			if !watch && !serve {
				return nil
			}

			eg, ctx := errgroup.WithContext(cmd.Context())
			if watch {
				o := build.New(g.cfg)
				eg.Go(func() error {
					return o.Watch(ctx, func(res build.Result, err error) {
						if err == nil {
							fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %s\n", res.Info.Version)
						}
					})
				})
			}
			if serve {
				eg.Go(func() error { return serveOutput(ctx, g.cfg, g.cfg.Server.Port) })
			}
			return eg.Wait()
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "rebuild when sources change")
	cmd.Flags().BoolVar(&serve, "serve", false, "serve the output directory while developing")
	return cmd
}

func newServeCmd(g *globals) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the build output with service worker headers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("port") {
				port = g.cfg.Server.Port
			}
			return serveOutput(cmd.Context(), g.cfg, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}

func serveOutput(ctx context.Context, cfg config.Config, port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := server.New(afero.NewOsFs(), cfg.OutPath(), cfg.Worker.Output)
	return srv.Serve(ctx, ln)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
