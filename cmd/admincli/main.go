// Package main provides the admin CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"google.golang.org/protobuf/types/known/structpb"

	apiconnect "github.com/osa030/djbox/internal/api/connect"
	"github.com/osa030/djbox/internal/domain/settings"
)

var (
	app    = kingpin.New("djbox-admincli", "djbox admin client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "Admin token (or set ADMIN_TOKEN env)").Envar("ADMIN_TOKEN").String()

	// status command
	statusCmd   = app.Command("status", "Show the status of a session")
	statusGuild = statusCmd.Arg("guild", "Guild ID").Required().String()

	// sessions command
	sessionsCmd = app.Command("sessions", "List running sessions").Alias("list")

	// diagnostics command
	diagCmd = app.Command("diagnostics", "Show network health and counters").Alias("diag")

	// enqueue command
	enqueueCmd       = app.Command("enqueue", "Resolve a query and add it to a session")
	enqueueGuild     = enqueueCmd.Arg("guild", "Guild ID").Required().String()
	enqueueQuery     = enqueueCmd.Arg("query", "Link or search text").Required().Strings()
	enqueueNext      = enqueueCmd.Flag("next", "Play right after the current track").Bool()
	enqueueRequester = enqueueCmd.Flag("as", "Requester display name").Default("admin").String()

	// skip command
	skipCmd   = app.Command("skip", "Skip the current track")
	skipGuild = skipCmd.Arg("guild", "Guild ID").Required().String()

	// pause command
	pauseCmd   = app.Command("pause", "Pause a session")
	pauseGuild = pauseCmd.Arg("guild", "Guild ID").Required().String()

	// resume command
	resumeCmd   = app.Command("resume", "Resume a session")
	resumeGuild = resumeCmd.Arg("guild", "Guild ID").Required().String()

	// stop command
	stopCmd   = app.Command("stop", "Stop playback and drop pending tracks")
	stopGuild = stopCmd.Arg("guild", "Guild ID").Required().String()

	// clear command
	clearCmd   = app.Command("clear", "Drop pending tracks")
	clearGuild = clearCmd.Arg("guild", "Guild ID").Required().String()

	// remove command
	removeCmd      = app.Command("remove", "Remove a pending track")
	removeGuild    = removeCmd.Arg("guild", "Guild ID").Required().String()
	removePosition = removeCmd.Arg("position", "1-indexed queue position").Required().Int()

	// mode command
	modeCmd   = app.Command("mode", "Change a setting ("+strings.Join(settings.Fields(), ", ")+")")
	modeGuild = modeCmd.Arg("guild", "Guild ID").Required().String()
	modeField = modeCmd.Arg("field", "Setting name").Required().Enum(settings.Fields()...)
	modeValue = modeCmd.Arg("value", "New value").Required().String()

	// previous command
	previousCmd   = app.Command("previous", "Replay the last played track")
	previousGuild = previousCmd.Arg("guild", "Guild ID").Required().String()

	// teardown command
	teardownCmd   = app.Command("teardown", "End a session")
	teardownGuild = teardownCmd.Arg("guild", "Guild ID").Required().String()

	// watch command
	watchCmd   = app.Command("watch", "Stream session events")
	watchGuild = watchCmd.Arg("guild", "Guild ID (all sessions when omitted)").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *token == "" {
		fmt.Println("Error: admin token is required (use --token or ADMIN_TOKEN env)")
		os.Exit(1)
	}

	client := apiconnect.NewAdminClient(
		http.DefaultClient,
		*server,
		connect.WithInterceptors(apiconnect.NewTokenInterceptor(*token)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case statusCmd.FullCommand():
		resp := call(ctx, client, apiconnect.GetStatusProcedure, guild(*statusGuild))
		printStatus(resp.GetFields())
	case sessionsCmd.FullCommand():
		resp := call(ctx, client, apiconnect.ListSessionsProcedure, nil)
		printSessions(resp.GetFields()["sessions"].GetListValue().GetValues())
	case diagCmd.FullCommand():
		resp := call(ctx, client, apiconnect.GetDiagnosticsProcedure, nil)
		printMap("", resp.AsMap())
	case enqueueCmd.FullCommand():
		mode := "append"
		if *enqueueNext {
			mode = "next"
		}
		args := guild(*enqueueGuild)
		args["query"] = strings.Join(*enqueueQuery, " ")
		args["mode"] = mode
		args["requester"] = *enqueueRequester
		resp := call(ctx, client, apiconnect.EnqueueProcedure, args)
		printEnqueue(resp.GetFields())
	case skipCmd.FullCommand():
		call(ctx, client, apiconnect.SkipProcedure, guild(*skipGuild))
		fmt.Println("Track skipped")
	case pauseCmd.FullCommand():
		call(ctx, client, apiconnect.PauseProcedure, guild(*pauseGuild))
		fmt.Println("Session paused")
	case resumeCmd.FullCommand():
		call(ctx, client, apiconnect.ResumeProcedure, guild(*resumeGuild))
		fmt.Println("Session resumed")
	case stopCmd.FullCommand():
		resp := call(ctx, client, apiconnect.StopProcedure, guild(*stopGuild))
		fmt.Printf("Playback stopped, %d pending track(s) dropped\n", int(resp.GetFields()["dropped"].GetNumberValue()))
	case clearCmd.FullCommand():
		resp := call(ctx, client, apiconnect.ClearProcedure, guild(*clearGuild))
		fmt.Printf("%d pending track(s) dropped\n", int(resp.GetFields()["dropped"].GetNumberValue()))
	case removeCmd.FullCommand():
		args := guild(*removeGuild)
		args["position"] = *removePosition
		resp := call(ctx, client, apiconnect.RemoveProcedure, args)
		fmt.Printf("Removed: %s\n", trackLine(resp.GetFields()["removed"].GetStructValue().GetFields()))
	case modeCmd.FullCommand():
		args := guild(*modeGuild)
		args["field"] = *modeField
		args["value"] = *modeValue
		resp := call(ctx, client, apiconnect.SetModeProcedure, args)
		fmt.Println("Settings updated:")
		printMap("  ", resp.GetFields()["settings"].GetStructValue().AsMap())
	case previousCmd.FullCommand():
		resp := call(ctx, client, apiconnect.PreviousProcedure, guild(*previousGuild))
		fmt.Printf("Replaying: %s\n", trackLine(resp.GetFields()["track"].GetStructValue().GetFields()))
	case teardownCmd.FullCommand():
		call(ctx, client, apiconnect.TeardownProcedure, guild(*teardownGuild))
		fmt.Println("Session ended")
	case watchCmd.FullCommand():
		var args map[string]any
		if *watchGuild != "" {
			args = guild(*watchGuild)
		}
		watch(ctx, client, args)
	}
}

func guild(id string) map[string]any {
	return map[string]any{"guild": id}
}

func call(ctx context.Context, client *apiconnect.AdminClient, procedure string, args map[string]any) *structpb.Struct {
	resp, err := client.Call(ctx, procedure, args)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return resp
}

func watch(ctx context.Context, client *apiconnect.AdminClient, args map[string]any) {
	stream, err := client.Watch(ctx, args)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer stream.Close()

	for stream.Receive() {
		f := stream.Msg().GetFields()
		kind := f["type"].GetStringValue()
		if kind == "initial_state" {
			fmt.Printf("#%d initial state\n", int(f["sequence_no"].GetNumberValue()))
			printStatus(f["status"].GetStructValue().GetFields())
			continue
		}
		line := fmt.Sprintf("#%d [%s] %s", int(f["sequence_no"].GetNumberValue()), f["guild"].GetStringValue(), kind)
		if t := f["track"].GetStructValue(); t != nil {
			line += ": " + trackLine(t.GetFields())
		}
		if r := f["reason"].GetStringValue(); r != "" {
			line += " (" + r + ")"
		}
		if e := f["error"].GetStringValue(); e != "" {
			line += " error=" + e
		}
		fmt.Println(line)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func trackLine(t map[string]*structpb.Value) string {
	if t == nil {
		return "-"
	}
	name := t["title"].GetStringValue()
	if artist := t["artist"].GetStringValue(); artist != "" && !strings.Contains(name, artist) {
		name = artist + " - " + name
	}
	line := fmt.Sprintf("%s [%s]", name, formatSeconds(t["duration"].GetNumberValue()))
	if r := t["requester"].GetStringValue(); r != "" {
		line += " requested by " + r
	}
	return line
}

func formatSeconds(s float64) string {
	total := int(s)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func printStatus(f map[string]*structpb.Value) {
	fmt.Println("\n=== SESSION STATUS ===")
	fmt.Printf("Guild: %s\n", f["guild"].GetStringValue())
	state := f["state"].GetStringValue()
	if reason := f["pause_reason"].GetStringValue(); reason != "" {
		state += " (" + reason + ")"
	}
	fmt.Printf("State: %s\n", state)
	if cur := f["current"].GetStructValue(); cur != nil {
		fmt.Printf("Current: %s\n", trackLine(cur.GetFields()))
		fmt.Printf("Elapsed: %s\n", formatSeconds(f["elapsed"].GetNumberValue()))
	} else {
		fmt.Println("Current: nothing playing")
	}
	if e := f["last_error"].GetStringValue(); e != "" {
		fmt.Printf("Last error: %s\n", e)
	}

	pending := f["pending"].GetListValue().GetValues()
	fmt.Printf("\nQueue (%d):\n", len(pending))
	for i, v := range pending {
		fmt.Printf("  %2d. %s\n", i+1, trackLine(v.GetStructValue().GetFields()))
	}

	fmt.Println("\nSettings:")
	printMap("  ", f["settings"].GetStructValue().AsMap())
	fmt.Printf("  idle timer armed: %v\n", f["idle_armed"].GetBoolValue())
	fmt.Println()
}

func printSessions(list []*structpb.Value) {
	fmt.Printf("Sessions (%d):\n", len(list))
	for _, v := range list {
		f := v.GetStructValue().GetFields()
		line := fmt.Sprintf("  %s: %s, %d pending", f["guild"].GetStringValue(), f["state"].GetStringValue(), int(f["pending"].GetNumberValue()))
		if cur := f["current"].GetStringValue(); cur != "" {
			line += ", playing " + cur
		}
		fmt.Println(line)
	}
}

func printEnqueue(f map[string]*structpb.Value) {
	added := int(f["added"].GetNumberValue())
	switch {
	case f["started"].GetBoolValue():
		fmt.Printf("Now playing (%d track(s) added)\n", added)
	default:
		fmt.Printf("Queued %d track(s) at position %d\n", added, int(f["position"].GetNumberValue()))
	}
	if first := f["first"].GetStructValue(); first != nil {
		fmt.Printf("  First: %s\n", trackLine(first.GetFields()))
	}
	if title := f["title"].GetStringValue(); title != "" {
		fmt.Printf("  From: %s\n", title)
	}
	for _, key := range []string{"dropped", "rejected", "truncated", "unmatched", "skipped"} {
		if n := int(f[key].GetNumberValue()); n > 0 {
			fmt.Printf("  %s: %d\n", key, n)
		}
	}
	if code := f["reject_code"].GetStringValue(); code != "" {
		fmt.Printf("  reject code: %s\n", code)
	}
}

// printMap prints nested values with sorted keys.
func printMap(indent string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if sub, ok := m[k].(map[string]any); ok {
			fmt.Printf("%s%s:\n", indent, k)
			printMap(indent+"  ", sub)
			continue
		}
		fmt.Printf("%s%s: %v\n", indent, k, m[k])
	}
}
