package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/ptydeck/internal/config"
	"github.com/asheshgoplani/ptydeck/internal/logging"
)

const Version = "0.4.0"

var commands = []string{"serve", "run", "ls", "spawn", "kill", "send", "events", "patterns", "config", "version", "help"}

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
// Prefers TrueColor for best visuals, falls back to ANSI256 for compatibility.
func initColorProfile() {
	// PTYDECK_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("PTYDECK_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	term := os.Getenv("TERM")
	for _, t := range []string{"xterm-256color", "screen-256color", "tmux-256color", "xterm-direct", "alacritty", "kitty", "wezterm"} {
		if strings.Contains(term, t) {
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		}
	}

	if os.Getenv("WT_SESSION") != "" || // Windows Terminal
		os.Getenv("ITERM_SESSION_ID") != "" || // iTerm2
		os.Getenv("TERMINAL_EMULATOR") != "" || // JetBrains terminals
		os.Getenv("KONSOLE_VERSION") != "" { // Konsole
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Works in SSH, basic terminals, and older emulators
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	var err error
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("ptydeck v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "serve":
		err = handleServe(args[1:])
	case "run":
		var code int
		code, err = handleRun(args[1:])
		if err == nil {
			logging.Shutdown()
			os.Exit(code)
		}
	case "list", "ls":
		err = handleList(args[1:])
	case "spawn":
		err = handleSpawn(args[1:])
	case "kill":
		err = handleKill(args[1:])
	case "send":
		err = handleSend(args[1:])
	case "events":
		err = handleEvents(args[1:])
	case "patterns":
		err = handlePatterns(args[1:])
	case "config":
		err = handleConfig(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "%s unknown command %q\n", errorStyle.Render("Error:"), args[0])
		if s := suggest(args[0], commands); s != "" {
			fmt.Fprintf(os.Stderr, "Did you mean %s?\n", accentStyle.Render(s))
		}
		fmt.Fprintln(os.Stderr, "Run 'ptydeck help' for usage.")
		os.Exit(2)
	}

	logging.Shutdown()
	if err != nil {
		var rep reportedError
		if !errors.As(err, &rep) {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("Error:"), err)
		}
		os.Exit(1)
	}
}

// setupLogging loads config.toml and initializes logging under the config
// directory. A broken config file is reported and defaults are used.
func setupLogging() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v (using defaults)\n", waitingStyle.Render("Warning:"), err)
	}
	dir, dirErr := config.Dir()
	if dirErr != nil {
		return cfg
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return cfg
	}
	logging.Init(cfg.LoggingConfig(dir))
	logging.ForComponent(logging.CompCLI).Info("ptydeck_started",
		slog.String("version", Version),
		slog.Int("pid", os.Getpid()))
	installDumpHandler(dir)
	return cfg
}

func printHelp() {
	fmt.Println(headerStyle.Render(fmt.Sprintf("ptydeck v%s", Version)))
	fmt.Println("Terminal session manager with AI agent state tracking")
	fmt.Println()
	fmt.Println("Usage: ptydeck <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                 Run the session server (HTTP API, SSE, websocket)")
	fmt.Println("  run [-- cmd args]     Run one session in this terminal and track its state")
	fmt.Println("  ls                    List sessions on a running server")
	fmt.Println("  spawn [-- cmd args]   Start a session on a running server")
	fmt.Println("  kill <id>             Kill a session on a running server")
	fmt.Println("  send <id> <text>      Send input to a session")
	fmt.Println("  events                Query or follow the event history")
	fmt.Println("  patterns              Show detection patterns or classify sample text")
	fmt.Println("  config path|init|show Show, create or inspect config.toml")
	fmt.Println("  version               Show version")
	fmt.Println("  help                  Show this help")
	fmt.Println()
	fmt.Println("Client commands talk to --server (default from [web] listen) and read")
	fmt.Println("the token from --token or PTYDECK_TOKEN.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  ptydeck serve --listen 127.0.0.1:8420")
	fmt.Println("  ptydeck run --kind claude -- claude")
	fmt.Println("  ptydeck events --types agent:state-changed --agent a1 --follow")
	fmt.Println("  ptydeck patterns --kind claude --test 'Do you want to proceed? (y/n)'")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PTYDECK_HOME     Config and log directory (default ~/.ptydeck)")
	fmt.Println("  PTYDECK_DEBUG    Write debug.log")
	fmt.Println("  PTYDECK_COLOR    truecolor, 256, 16 or none")
}
