package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/ptydeck/internal/config"
	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/web"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	listen   string
	token    string
	readOnly bool
	watch    bool
}

func parseServeFlags(args []string) (serveOptions, error) {
	var opts serveOptions
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&opts.listen, "listen", "", "Listen address (default from [web] listen, 127.0.0.1:8420)")
	fs.StringVar(&opts.token, "token", "", "Bearer token for API/WS access (default PTYDECK_TOKEN or [web] token)")
	fs.BoolVar(&opts.readOnly, "read-only", false, "Disable spawn, kill and input")
	noWatch := fs.Bool("no-watch", false, "Do not reload config.toml when it changes")

	fs.Usage = func() {
		fmt.Println("Usage: ptydeck serve [options]")
		fmt.Println()
		fmt.Println("Run the session server. Sessions are spawned through the HTTP API and")
		fmt.Println("streamed over websockets; agent events are kept in a bounded history.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return opts, fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	opts.watch = !*noWatch
	return opts, nil
}

// webConfig merges flags over config.toml.
func webConfig(cfg *config.Config, opts serveOptions, st *stack) web.Config {
	listen := firstNonEmpty(opts.listen, cfg.ListenAddr())
	token := firstNonEmpty(opts.token, os.Getenv("PTYDECK_TOKEN"), cfg.Web.Token)
	rate, burst := cfg.InputLimits()
	return web.Config{
		ListenAddr: listen,
		ReadOnly:   opts.readOnly || cfg.Web.ReadOnly,
		Token:      token,
		Version:    Version,
		Manager:    st.manager,
		Buffer:     st.buffer,
		Hub:        st.hub,
		InputRate:  rate,
		InputBurst: burst,
	}
}

func handleServe(args []string) error {
	opts, err := parseServeFlags(args)
	if err != nil {
		return err
	}
	cfg := setupLogging()
	cliLog := logging.ForComponent(logging.CompCLI)

	st := newStack(cfg, nil)
	wcfg := webConfig(cfg, opts, st)
	server := web.NewServer(wcfg)

	if opts.watch {
		if path, err := config.Path(); err == nil {
			watcher, err := config.NewWatcher(path, st.registry, func(c *config.Config) {
				cliLog.Info("patterns_reloaded", slog.Int("kinds", len(st.registry.Kinds())))
			})
			if err != nil {
				cliLog.Warn("config_watch_disabled", slog.String("error", err.Error()))
			} else {
				go watcher.Start()
				defer watcher.Stop()
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	fmt.Printf("%s ptydeck v%s listening on %s\n", successStyle.Render(successSymbol), Version, accentStyle.Render("http://"+wcfg.ListenAddr))
	if wcfg.ReadOnly {
		fmt.Println(dimStyle.Render("  read-only mode: spawn, kill and input are disabled"))
	}
	if wcfg.Token == "" && !strings.HasPrefix(wcfg.ListenAddr, "127.0.0.1") && !strings.HasPrefix(wcfg.ListenAddr, "localhost") {
		fmt.Println(waitingStyle.Render("  warning: no token set and listening beyond localhost"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	serveErr := g.Wait()

	disposeErr := st.close()
	if disposeErr != nil {
		cliLog.Warn("dispose_incomplete", slog.String("error", disposeErr.Error()))
	}
	cliLog.Info("ptydeck_stopped", slog.Int("events_recorded", st.buffer.Size()))
	fmt.Println(dimStyle.Render("stopped"))
	return serveErr
}

// firstNonEmpty returns the first non-empty string after trimming whitespace.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
