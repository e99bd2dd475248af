package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/config"
)

type patternRow struct {
	Kind    agent.Kind `json:"kind"`
	Agent   bool       `json:"agent"`
	Busy    int        `json:"busyPatterns"`
	Prompt  int        `json:"promptPatterns"`
	Spinner bool       `json:"spinner"`
	Source  string     `json:"source"`
}

// classification is the outcome of running sample text through a kind's
// patterns, with the state a working session would move to.
type classification struct {
	Kind      agent.Kind      `json:"kind"`
	Event     agent.EventType `json:"event"`
	Busy      bool            `json:"busy"`
	Prompt    bool            `json:"prompt"`
	FromState agent.State     `json:"fromState"`
	NextState agent.State     `json:"nextState"`
}

func classifySample(cfg *config.Config, registry *agent.Registry, kind agent.Kind, text string) classification {
	window := agent.Tail(text, agent.ClassifyWindow)
	ev := registry.Classify(window, kind, text)
	from := agent.StateWorking
	return classification{
		Kind:      kind,
		Event:     ev.Type,
		Busy:      registry.IsBusy(window, kind),
		Prompt:    registry.IsPrompt(window, kind),
		FromState: from,
		NextState: agent.NextWithPolicy(from, ev, cfg.OutputPolicy()),
	}
}

func patternRows(cfg *config.Config, registry *agent.Registry) []patternRow {
	var rows []patternRow
	for _, k := range registry.Kinds() {
		p, ok := registry.Patterns(k)
		if !ok {
			continue
		}
		source := "builtin"
		if _, custom := cfg.Tool(k); custom {
			if agent.DefaultRawPatterns(k) != nil {
				source = "builtin+config"
			} else {
				source = "config"
			}
		}
		rows = append(rows, patternRow{
			Kind:    k,
			Agent:   k.IsAgent(),
			Busy:    len(p.BusyStrings) + len(p.BusyRegexps),
			Prompt:  len(p.PromptStrings) + len(p.PromptRegexps),
			Spinner: p.SpinnerActive != nil,
			Source:  source,
		})
	}
	return rows
}

// handlePatterns shows detection tables or classifies sample text locally.
func handlePatterns(args []string) error {
	fs := flag.NewFlagSet("patterns", flag.ContinueOnError)
	kindFlag := fs.String("kind", "", "Kind to inspect")
	show := fs.Bool("show", false, "Print the merged raw patterns for --kind")
	test := fs.String("test", "", "Classify this text with --kind's patterns")
	file := fs.String("file", "", "Classify the contents of this file (e.g. a captured transcript)")
	escapes := fs.Bool("escapes", false, `Interpret Go escapes in --test (\n, \x1b, ✳)`)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: ptydeck patterns [options]")
		fmt.Println()
		fmt.Println("Without options, lists every kind with a detection table.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v (using defaults)\n", waitingStyle.Render("Warning:"), err)
	}
	registry := cfg.Registry()
	out := NewCLIOutput(*jsonOutput, false)

	if *kindFlag == "" {
		if *show || *test != "" || *file != "" {
			return errors.New("--show, --test and --file need --kind")
		}
		rows := patternRows(cfg, registry)
		var b strings.Builder
		b.WriteString(headerStyle.Render(fitCell("KIND", 12)+" "+fitCell("AGENT", 6)+" "+fitCell("BUSY", 5)+" "+fitCell("PROMPT", 7)+" "+fitCell("SPINNER", 8)+" SOURCE") + "\n")
		for _, r := range rows {
			fmt.Fprintf(&b, "%s %s %s %s %s %s\n",
				fitCell(string(r.Kind), 12),
				fitCell(yesNo(r.Agent), 6),
				fitCell(strconv.Itoa(r.Busy), 5),
				fitCell(strconv.Itoa(r.Prompt), 7),
				fitCell(yesNo(r.Spinner), 8),
				dimStyle.Render(r.Source))
		}
		out.Print(b.String(), rows)
		return nil
	}

	kind := agent.NormalizeKind(*kindFlag)
	if _, ok := registry.Patterns(kind); !ok {
		names := cfg.KindNames()
		msg := fmt.Sprintf("no patterns for kind %q", kind)
		if s := suggest(string(kind), names); s != "" {
			msg += fmt.Sprintf(" (did you mean %s?)", s)
		}
		out.Error(msg, ErrCodeNotFound)
		return reported(errors.New(msg))
	}

	if *show {
		raw := cfg.MergeToolPatterns(kind)
		var b strings.Builder
		fmt.Fprintf(&b, "%s\n", headerStyle.Render(string(kind)))
		printList := func(label string, items []string) {
			fmt.Fprintf(&b, "%s\n", accentStyle.Render(label))
			if len(items) == 0 {
				fmt.Fprintf(&b, "  %s\n", dimStyle.Render("(none)"))
			}
			for _, it := range items {
				fmt.Fprintf(&b, "  %s %s\n", bulletSymbol, it)
			}
		}
		printList("busy", raw.BusyPatterns)
		printList("prompt", raw.PromptPatterns)
		printList("spinner", raw.SpinnerChars)
		out.Print(b.String(), raw)
		if *test == "" && *file == "" {
			return nil
		}
	}

	text := *test
	if *file != "" {
		raw, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read sample: %w", err)
		}
		text = string(raw)
	} else if *escapes {
		unq, err := strconv.Unquote(`"` + strings.ReplaceAll(text, `"`, `\"`) + `"`)
		if err != nil {
			return fmt.Errorf("--escapes: %w", err)
		}
		text = unq
	}
	if text == "" {
		return errors.New("nothing to classify; pass --test or --file")
	}

	c := classifySample(cfg, registry, kind, text)
	human := fmt.Sprintf("%s %s  %s %s  %s %s → %s\n",
		dimStyle.Render("event"), accentStyle.Render(string(c.Event)),
		dimStyle.Render("busy/prompt"), fmt.Sprintf("%s/%s", yesNo(c.Busy), yesNo(c.Prompt)),
		dimStyle.Render("state"), c.FromState, StateSymbol(c.NextState)+" "+string(c.NextState))
	out.Print(human, c)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
