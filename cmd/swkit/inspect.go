package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"swkit/internal/config"
	"swkit/internal/host"
	"swkit/internal/lifecycle"
	"swkit/internal/log"
	"swkit/internal/server"
	"swkit/internal/sw"
	"swkit/internal/swproto"
	"swkit/internal/version"
)

const defaultInspectTimeout = 10 * time.Second

type inspectOptions struct {
	storage  string
	sitemaps []string
	asJSON   bool
	// follow keeps the page open after the report: update checks, cache
	// refreshes and activations are printed until interrupted.
	follow bool
}

type inspectReport struct {
	Origin string            `json:"origin"`
	State  string            `json:"state"`
	Info   version.Info      `json:"versionInfo"`
	Cache  swproto.CacheInfo `json:"cacheInfo"`
	// Prefetched counts sitemap paths handed to the worker.
	Prefetched int `json:"prefetched,omitempty"`
}

func newInspectCmd(g *globals) *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Install the built worker in a headless page and report its version and caches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return inspect(cmd.Context(), g.cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.storage, "storage", "", "leveldb directory for the worker caches (in memory when empty)")
	cmd.Flags().StringArrayVar(&opts.sitemaps, "sitemap", nil, "sitemap path to prefetch after install (repeatable)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the report as json")
	cmd.Flags().BoolVar(&opts.follow, "follow", false, "keep running and report updates (runtime.updateCheckEvery) and cache sizes (runtime.refreshEvery)")
	return cmd
}

// inspect serves the output directory on a loopback port and drives a real
// registration against it.
func inspect(ctx context.Context, cfg config.Config, opts *inspectOptions, w io.Writer) error {
	l := log.GetLogger("inspect")
	outDir := cfg.OutPath()
	if _, err := os.Stat(filepath.Join(outDir, cfg.Worker.Output)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s not found in %s, run swkit build first", cfg.Worker.Output, outDir)
		}
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	origin := "http://" + ln.Addr().String()

	srvCtx, stopServer := context.WithCancel(context.Background())
	srvDone := make(chan error, 1)
	srv := server.New(afero.NewOsFs(), outDir, cfg.Worker.Output)
	go func() { srvDone <- srv.Serve(srvCtx, ln) }()
	defer func() {
		stopServer()
		if err := <-srvDone; err != nil {
			l.Warn().Err(err).Msg("server shutdown")
		}
	}()

	var store *sw.Storage
	if opts.storage != "" {
		store, err = sw.OpenStorage(opts.storage)
	} else {
		store, err = sw.OpenMemStorage()
	}
	if err != nil {
		return err
	}
	defer func() { l.E(store.Close()) }()

	o, err := host.NewOrigin(host.Options{
		Loader:      host.NewHTTPLoader(origin),
		Storage:     store,
		Fetcher:     sw.NewHTTPFetcher(origin),
		RuntimeMax:  cfg.RuntimeMaxBytes(),
		Concurrency: cfg.Runtime.PrefetchConcurrency,
		StatsEvery:  cfg.LogStatsEvery(),
	})
	if err != nil {
		return err
	}
	defer o.Close()

	errs := make(chan error, 1)
	lopts := lifecycleOptions(cfg, origin)
	lopts.OnError = func(err error) {
		if opts.follow {
			l.Error().Err(err).Msg("worker error")
		}
		select {
		case errs <- err:
		default:
		}
	}
	if opts.follow {
		lopts.OnUpdate = func(v string) { fmt.Fprintf(w, "update available: %s\n", v) }
		lopts.Reload = func() { fmt.Fprintln(w, "new worker in control") }
	}
	m := lifecycle.New(o.NewPage("/"), lopts)
	defer m.Close()

	if err := m.Register(ctx); err != nil {
		return err
	}
	o.Wait()
	if !m.Controlling() {
		select {
		case err := <-errs:
			return err
		default:
			return errors.New("worker installed but did not take control")
		}
	}

	rep := inspectReport{Origin: origin, State: string(m.State())}
	if rep.Info, err = m.GetVersionInfo(ctx); err != nil {
		return err
	}
	if len(opts.sitemaps) > 0 {
		if rep.Prefetched, err = m.PrefetchSitemap(ctx, opts.sitemaps...); err != nil {
			return err
		}
	}
	// Messages are handled in order, so this reflects any prefetch above.
	if rep.Cache, err = m.GetCacheInfo(ctx); err != nil {
		return err
	}
	if err := writeReport(w, rep, opts.asJSON); err != nil {
		return err
	}
	if !opts.follow {
		return nil
	}

	stop := m.StartCacheInfoRefresh(0, func(ci swproto.CacheInfo) {
		fmt.Fprintf(w, "caches: %d buckets, %s\n", len(ci.Caches), config.FormatBytes(uint64(ci.TotalSize)))
	})
	defer stop()
	<-ctx.Done()
	return nil
}

// lifecycleOptions maps the runtime section of the config onto the manager.
func lifecycleOptions(cfg config.Config, origin string) lifecycle.Options {
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultInspectTimeout
	}
	return lifecycle.Options{
		ScriptURL:           "/" + cfg.Worker.Output,
		AutoActivate:        cfg.Runtime.AutoActivate,
		RequestTimeout:      timeout,
		RefreshInterval:     cfg.RefreshEvery(),
		UpdateCheckInterval: cfg.UpdateCheckEvery(),
		Origin:              origin,
	}
}

func writeReport(w io.Writer, rep inspectReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return printReport(w, rep)
}

func printReport(w io.Writer, rep inspectReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	info := rep.Info
	fmt.Fprintf(tw, "version\t%s\n", info.Version)
	fmt.Fprintf(tw, "build hash\t%s\n", info.BuildHash)
	fmt.Fprintf(tw, "built\t%s\n", time.UnixMilli(info.Timestamp).UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "git\t%s@%s dirty=%t\n", info.Git.Commit, info.Git.Branch, info.Git.Dirty)
	fmt.Fprintf(tw, "state\t%s\n", rep.State)
	if rep.Prefetched > 0 {
		fmt.Fprintf(tw, "prefetched\t%d\n", rep.Prefetched)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "CACHE\tENTRIES\tSIZE")
	names := make([]string, 0, len(rep.Cache.Caches))
	for name := range rep.Cache.Caches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := rep.Cache.Caches[name]
		fmt.Fprintf(tw, "%s\t%d\t%s\n", name, st.Entries, config.FormatBytes(uint64(st.Size)))
	}
	fmt.Fprintf(tw, "total\t\t%s\n", config.FormatBytes(uint64(rep.Cache.TotalSize)))
	return tw.Flush()
}
