package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/pty"
)

type sessionList struct {
	Sessions []pty.Snapshot `json:"sessions"`
}

func sessionPath(id string, action string) string {
	p := "/api/sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// handleList prints the sessions of a running server.
func handleList(args []string) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	cf := addClientFlags(fs)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: ptydeck ls [options]")
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

	out := NewCLIOutput(*jsonOutput, false)
	var list sessionList
	if err := cf.client().do(context.Background(), http.MethodGet, "/api/sessions", nil, nil, &list); err != nil {
		out.Error(err.Error(), errCode(err))
		return reported(err)
	}
	out.Print(renderSessionTable(list.Sessions, time.Now()), list)
	return nil
}

func renderSessionTable(sessions []pty.Snapshot, now time.Time) string {
	if len(sessions) == 0 {
		return dimStyle.Render("No sessions.") + "\n"
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(
		fitCell("ID", 14)+" "+fitCell("KIND", 10)+" "+fitCell("STATE", 11)+" "+fitCell("TITLE", 24)+" "+fitCell("UP", 5)+" "+"OUTPUT") + "\n")
	for _, s := range sessions {
		state := "-"
		symbol := dimStyle.Render("-")
		if s.Kind.IsAgent() && s.AgentState != "" {
			state = string(s.AgentState)
			symbol = StateSymbol(s.AgentState)
		}
		fmt.Fprintf(&b, "%s %s %s %s %s %s %s\n",
			fitCell(TruncateID(s.ID), 14),
			fitCell(string(s.Kind), 10),
			symbol,
			fitCell(state, 9),
			fitCell(s.Title, 24),
			fitCell(formatAge(s.SpawnedAt, now), 5),
			formatAge(s.LastOutputAt, now))
		if s.AgentState == agent.StateFailed && s.LastError != "" {
			fmt.Fprintf(&b, "  %s %s\n", errorStyle.Render(errorSymbol), dimStyle.Render(s.LastError))
		}
	}
	fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(fmt.Sprintf("%d session(s)", len(sessions))))
	return b.String()
}

// handleSpawn starts a session on a running server.
func handleSpawn(args []string) error {
	own, command := splitCommand(args)
	fs := flag.NewFlagSet("spawn", flag.ContinueOnError)
	cf := addClientFlags(fs)
	id := fs.String("id", "", "Session id (default: generated)")
	kind := fs.String("kind", "", "Session kind")
	title := fs.String("title", "", "Session title")
	group := fs.String("group", "", "Group id")
	cwd := fs.String("cwd", "", "Working directory")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: ptydeck spawn [options] [-- command args...]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, own)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	body := map[string]any{
		"id":      *id,
		"kind":    *kind,
		"title":   *title,
		"groupId": *group,
		"cwd":     *cwd,
	}
	if len(command) > 0 {
		body["shell"] = command[0]
		body["args"] = command[1:]
	}

	out := NewCLIOutput(*jsonOutput, false)
	var info pty.Info
	if err := cf.client().do(context.Background(), http.MethodPost, "/api/sessions", nil, body, &info); err != nil {
		out.Error(err.Error(), errCode(err))
		return reported(err)
	}
	out.Success(fmt.Sprintf("Spawned %s (%s, pid %d)", accentStyle.Render(info.ID), info.Kind, info.Pid), info)
	return nil
}

// handleKill kills a session on a running server.
func handleKill(args []string) error {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	cf := addClientFlags(fs)
	reason := fs.String("reason", "", "Reason recorded on the killed event")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: ptydeck kill <id> [options]")
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
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("kill takes exactly one session id")
	}
	id := fs.Arg(0)

	q := url.Values{}
	if *reason != "" {
		q.Set("reason", *reason)
	}
	out := NewCLIOutput(*jsonOutput, false)
	if err := cf.client().do(context.Background(), http.MethodDelete, sessionPath(id, ""), q, nil, nil); err != nil {
		out.Error(err.Error(), errCode(err))
		return reported(err)
	}
	out.Success(fmt.Sprintf("Killed %s", accentStyle.Render(id)), map[string]any{"success": true, "id": id})
	return nil
}

// handleSend writes text to a session. A carriage return is appended unless
// --no-enter is given.
func handleSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	cf := addClientFlags(fs)
	trace := fs.String("trace", "", "Trace id copied onto the session's events")
	noEnter := fs.Bool("no-enter", false, "Do not append a carriage return")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: ptydeck send <id> <text...> [options]")
		fmt.Println()
		fmt.Println("Use '-' as the text to read it from stdin.")
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
	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("send needs a session id and text")
	}
	id := fs.Arg(0)
	text := strings.Join(fs.Args()[1:], " ")
	if text == "-" {
		raw, err := readAllStdin()
		if err != nil {
			return err
		}
		text = raw
	}
	if !*noEnter {
		text += "\r"
	}

	out := NewCLIOutput(*jsonOutput, false)
	body := map[string]string{"data": text, "traceId": *trace}
	if err := cf.client().do(context.Background(), http.MethodPost, sessionPath(id, "input"), nil, body, nil); err != nil {
		out.Error(err.Error(), errCode(err))
		return reported(err)
	}
	out.Success(fmt.Sprintf("Sent %d bytes to %s", len(text), accentStyle.Render(id)), map[string]any{"success": true, "id": id, "bytes": len(text)})
	return nil
}

func readAllStdin() (string, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(raw), "\r\n"), nil
}
