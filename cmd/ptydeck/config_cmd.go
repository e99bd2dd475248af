package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/config"
)

const configTemplate = `# ptydeck configuration

[logs]
# level = "info"          # debug, info, warn, error
# format = "json"         # json or text
# max_size_mb = 10
# max_backups = 5
# ring_buffer_mb = 4
# debug = false           # or set PTYDECK_DEBUG=1

[events]
# capacity = 1000
# sample_every = 100
# output_policy = "keep-waiting"   # or "resume-work"

[terminal]
# default_shell = "/bin/zsh"
# cols = 120
# rows = 30

[web]
# listen = "127.0.0.1:8420"
# token = ""
# read_only = false
# input_rate = 200
# input_burst = 50

# Declare a custom agent, or tune a built-in one.
# [tools.aider]
# command = "aider"
# busy_patterns = ["re:Tokens: .* sent"]
# prompt_patterns = ["> "]
#
# [tools.claude]
# prompt_patterns_extra = ["Approve edit?"]
`

// handleConfig shows, creates or prints config.toml.
func handleConfig(args []string) error {
	if len(args) == 0 {
		printConfigHelp()
		return nil
	}
	switch args[0] {
	case "path":
		path, err := config.Path()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	case "init":
		return handleConfigInit(args[1:])
	case "show":
		return handleConfigShow(args[1:])
	case "help", "--help", "-h":
		printConfigHelp()
		return nil
	default:
		msg := fmt.Sprintf("unknown config command %q", args[0])
		if s := suggest(args[0], []string{"path", "init", "show"}); s != "" {
			msg += fmt.Sprintf(" (did you mean %s?)", s)
		}
		return errors.New(msg)
	}
}

func printConfigHelp() {
	fmt.Println("Usage: ptydeck config <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  path          Print the config file path")
	fmt.Println("  init          Write a commented config.toml if none exists")
	fmt.Println("  show          Print the effective configuration")
}

func handleConfigInit(args []string) error {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	path, err := config.Path()
	if err != nil {
		return err
	}
	created, err := writeConfigTemplate(path, *force)
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("%s already exists (use --force to overwrite)\n", accentStyle.Render(path))
		return nil
	}
	fmt.Printf("%s Wrote %s\n", successStyle.Render(successSymbol), accentStyle.Render(path))
	return nil
}

// writeConfigTemplate writes the commented template to path. It reports
// false without writing when the file exists and force is not set.
func writeConfigTemplate(path string, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	if _, err := config.LoadFile(path); err != nil {
		return true, err
	}
	return true, nil
}

func handleConfigShow(args []string) error {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, loadErr := config.Load()
	if loadErr != nil {
		fmt.Fprintf(os.Stderr, "%s %v (showing defaults)\n", waitingStyle.Render("Warning:"), loadErr)
	}

	cols, rows := cfg.TermSize()
	rate, burst := cfg.InputLimits()
	effective := map[string]any{
		"eventCapacity": cfg.EventCapacity(),
		"sampleEvery":   cfg.SampleEvery(),
		"outputPolicy":  policyName(cfg),
		"cols":          cols,
		"rows":          rows,
		"listen":        cfg.ListenAddr(),
		"inputRate":     rate,
		"inputBurst":    burst,
		"kinds":         cfg.KindNames(),
	}

	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	summary := []string{
		headerStyle.Render("effective"),
		fmt.Sprintf("%s %d records", dimStyle.Render(fitCell("events", 10)), cfg.EventCapacity()),
		fmt.Sprintf("%s %s", dimStyle.Render(fitCell("policy", 10)), policyName(cfg)),
		fmt.Sprintf("%s %dx%d", dimStyle.Render(fitCell("terminal", 10)), cols, rows),
		fmt.Sprintf("%s %s", dimStyle.Render(fitCell("listen", 10)), cfg.ListenAddr()),
		fmt.Sprintf("%s %s", dimStyle.Render(fitCell("kinds", 10)), strings.Join(cfg.KindNames(), ", ")),
	}
	NewCLIOutput(*jsonOutput, false).Print(boxStyle.Render(strings.Join(summary, "\n"))+"\n\n"+b.String(), effective)
	return nil
}

func policyName(cfg *config.Config) string {
	if cfg.OutputPolicy() == agent.OutputResumesWork {
		return "resume-work"
	}
	return "keep-waiting"
}
