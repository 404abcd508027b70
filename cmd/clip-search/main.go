package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/clip-search/internal/analytics"
	"github.com/renderinc/clip-search/internal/config"
	"github.com/renderinc/clip-search/internal/document"
	"github.com/renderinc/clip-search/internal/logging"
	"github.com/renderinc/clip-search/internal/metrics"
	"github.com/renderinc/clip-search/internal/search"
	"github.com/renderinc/clip-search/internal/service"
	"github.com/renderinc/clip-search/internal/web"
)

// CLI commands run with full access.
var adminScope = search.Scope{Role: search.Admin}

var (
	cfg *config.Config
	log *logrus.Logger
)

// errNoCommand is returned when only global flags were given.
var errNoCommand = errors.New("no command given")

type globalOptions struct {
	configPath string
	dataDir    string
}

// parseGlobal reads the global flags in front of the command and splits
// off the command and its own arguments.
func parseGlobal(args []string) (globalOptions, string, []string, error) {
	var opts globalOptions
	globalFlags := flag.NewFlagSet("global", flag.ContinueOnError)
	globalFlags.StringVar(&opts.configPath, "config", "", "Path to a YAML config file (default: ./clip-search.yaml if present)")
	globalFlags.StringVar(&opts.dataDir, "data-dir", "", "Directory for database and index files (overrides config)")

	if err := globalFlags.Parse(args); err != nil {
		return opts, "", nil, err
	}
	if globalFlags.NArg() == 0 {
		return opts, "", nil, errNoCommand
	}
	return opts, globalFlags.Arg(0), globalFlags.Args()[1:], nil
}

func main() {
	opts, command, args, err := parseGlobal(os.Args[1:])
	if err != nil {
		if !errors.Is(err, errNoCommand) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		printUsage()
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err = config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	log = logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "ingest":
		err = runIngest(ctx, args)
	case "search":
		err = runSearch(ctx, args)
	case "analytics":
		err = runAnalytics(ctx, args)
	case "clear":
		err = runClear(ctx, args)
	case "stats":
		err = runStats(ctx)
	case "projects":
		err = runProjects(ctx)
	case "tasks":
		err = runTasks(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "Invalid %s: %s\n", verr.Field, verr.Reason)
			os.Exit(2)
		}
		log.WithError(err).Fatalf("%s failed", command)
	}
}

func printUsage() {
	fmt.Println("Clip Search - Search and analytics over short-video exports")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  clip-search [global-flags] <command> [flags]")
	fmt.Println()
	fmt.Println("Global Flags:")
	fmt.Println("  -config=<file>    YAML config file (default: ./clip-search.yaml if present)")
	fmt.Println("  -data-dir=<dir>   Directory for database and index files (default: ./data)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ingest -type=<kind> <file>...   Load account, video or comment CSV exports")
	fmt.Println("  search [flags] <keywords>       Search videos or comments")
	fmt.Println("  analytics [flags]               Play, activity and viral statistics")
	fmt.Println("  clear <videos|comments|all>     Drop and recreate indices")
	fmt.Println("  stats                           Show index statistics")
	fmt.Println("  projects                        List projects with document counts")
	fmt.Println("  tasks [id]                      Show recent ingest runs, or one run")
	fmt.Println("  serve [flags]                   Start the HTTP API")
	fmt.Println()
	fmt.Println("Search Flags:")
	fmt.Println("  -comments         Search comments instead of videos")
	fmt.Println("  -project=<id>     Restrict to one project")
	fmt.Println("  -last=<Nd>        Only documents created in the last N days")
	fmt.Println("  -sort=<field>     create_time, video_play_count or like_count")
	fmt.Println("  -order=<asc|desc> Sort direction (default: desc)")
	fmt.Println("  -page=<n>         Page number (default: 1)")
	fmt.Println("  -size=<n>         Page size (default: 20, max 100)")
	fmt.Println("  -main-only        Only top-level comments")
	fmt.Println()
	fmt.Println("Serve Flags:")
	fmt.Println("  -host=<host>      Host to bind to (default: localhost)")
	fmt.Println("  -port=<port>      Port to listen on (default: 6893)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  clip-search ingest -type=account accounts.csv")
	fmt.Println("  clip-search ingest -type=video videos_1.csv videos_2.csv")
	fmt.Println("  clip-search ingest -type=comment comments.csv")
	fmt.Println("  clip-search search -last=7d cat")
	fmt.Println("  clip-search search -comments -main-only \"so cute\"")
	fmt.Println("  clip-search analytics -project=ProjectX")
	fmt.Println("  clip-search --data-dir=$HOME/.clip-search serve -port=3000")
}

func openService(ctx context.Context, m *metrics.Metrics) (*service.Service, error) {
	return service.New(ctx, cfg, log, m)
}

func runIngest(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	kind := flags.String("type", "", "account, video or comment")
	flags.Parse(args)

	svc, err := openService(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Printf("Ingesting %d %s file(s)...\n", flags.NArg(), *kind)
	res, err := svc.Ingest(ctx, *kind, flags.Args())
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("=== Ingest Complete ===")
	fmt.Printf("Accepted:      %d\n", res.Accepted)
	fmt.Printf("Rejected:      %d\n", len(res.Rejected))
	fmt.Printf("Duration:      %v\n", res.Duration.Round(time.Millisecond))
	if n := len(res.Rejected); n > 0 {
		shown := res.Rejected[:min(n, 10)]
		fmt.Printf("First rejected: %s\n", strings.Join(shown, ", "))
	}
	return nil
}

func runSearch(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("search", flag.ExitOnError)
	comments := flags.Bool("comments", false, "Search comments instead of videos")
	projectID := flags.String("project", "", "Project id")
	last := flags.String("last", "", "Relative window, e.g. 7d")
	sortBy := flags.String("sort", "", "Sort field")
	order := flags.String("order", "", "asc or desc")
	page := flags.Int("page", 1, "Page number")
	size := flags.Int("size", search.DefaultPageSize, "Page size")
	mainOnly := flags.Bool("main-only", false, "Only top-level comments")
	flags.Parse(args)

	coll := document.Videos
	if *comments {
		coll = document.Comments
	}
	req := search.Request{
		Keywords:  strings.Join(flags.Args(), " "),
		ProjectID: *projectID,
		LastDays:  *last,
		SortBy:    *sortBy,
		SortOrder: *order,
		Page:      *page,
		PageSize:  *size,
	}
	if *mainOnly {
		req.MainOnly = mainOnly
	}

	svc, err := openService(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Search(ctx, coll, req, adminScope)
	if err != nil {
		return err
	}
	if len(res.Results) == 0 {
		fmt.Println("No results found")
		return nil
	}

	fmt.Printf("\nFound %d results (page %d of %d):\n\n", res.Total, res.Page, res.TotalPages)
	for i, hit := range res.Results {
		n := (res.Page-1)*res.PageSize + i + 1
		if coll == document.Videos {
			fmt.Printf("%d. %v\n", n, hit.Source["title"])
			fmt.Printf("   Uploader: %v  Plays: %v  Project: %v\n",
				hit.Source["nickname"], hit.Source["video_play_count"], hit.Source["project_id"])
			if url, ok := hit.Source["video_url"].(string); ok && url != "" {
				fmt.Printf("   URL: %s\n", url)
			}
		} else {
			fmt.Printf("%d. %v: %v\n", n, hit.Source["nickname"], hit.Source["content"])
			fmt.Printf("   Video: %v  Likes: %v  Project: %v\n",
				hit.Source["video_title"], hit.Source["like_count"], hit.Source["project_id"])
			if p := hit.Parent; p != nil {
				fmt.Printf("   Reply to %s: %s\n", p.Nickname, p.Content)
			}
		}
		fmt.Printf("   Score: %.3f\n", hit.Score)

		for _, field := range []string{"title", "desc", "content"} {
			if snippets := hit.Highlight[field]; len(snippets) > 0 {
				fmt.Printf("   Preview: %s\n", snippets[0])
				break
			}
		}
		fmt.Println()
	}
	return nil
}

func runAnalytics(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("analytics", flag.ExitOnError)
	projectID := flags.String("project", "", "Project id")
	last := flags.String("last", "", "Relative window, e.g. 30d")
	flags.Parse(args)

	svc, err := openService(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	rep, err := svc.Analytics(ctx, analytics.Request{ProjectID: *projectID, LastDays: *last}, adminScope)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func runClear(ctx context.Context, args []string) error {
	if len(args) != 1 {
		fmt.Println("Usage: clip-search [global-flags] clear <videos|comments|all>")
		os.Exit(1)
	}

	svc, err := openService(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.ClearData(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Cleared %s\n", args[0])
	return nil
}

func runStats(ctx context.Context) error {
	svc, err := openService(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	stats, err := svc.Statistics(ctx)
	if err != nil {
		return err
	}
	tr, err := svc.TimeRange(ctx, adminScope)
	if err != nil {
		return err
	}

	fmt.Println("=== Index Statistics ===")
	fmt.Printf("Videos:    %d\n", stats.Videos)
	fmt.Printf("Comments:  %d\n", stats.Comments)
	fmt.Printf("Projects:  %d\n", stats.Projects)
	fmt.Printf("Total:     %d\n", stats.Total)
	if tr.Count > 0 {
		fmt.Printf("Videos from %s to %s\n",
			time.Unix(tr.Min, 0).Format(time.DateTime), time.Unix(tr.Max, 0).Format(time.DateTime))
	}
	return nil
}

func runProjects(ctx context.Context) error {
	svc, err := openService(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	projects, err := svc.Projects(ctx, adminScope)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects indexed")
		return nil
	}
	fmt.Printf("%-30s %8s %8s %8s\n", "PROJECT", "VIDEOS", "COMMENTS", "TOTAL")
	for _, p := range projects {
		fmt.Printf("%-30s %8d %8d %8d\n", p.Name, p.VideoCount, p.CommentCount, p.DocCount)
	}
	return nil
}

func runTasks(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("tasks", flag.ExitOnError)
	limit := flags.Int("limit", 20, "Number of runs to list")
	flags.Parse(args)

	svc, err := openService(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	if flags.NArg() > 0 {
		id := flags.Arg(0)
		run, err := svc.Task(ctx, id)
		if err != nil {
			return err
		}
		rejected, err := svc.Rejections(ctx, id, 100)
		if err != nil {
			return err
		}
		return printJSON(web.TaskResponse{Run: run, RejectedIDs: rejected})
	}

	runs, err := svc.Tasks(ctx, *limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %-7s  %-11s  accepted=%d rejected=%d  %s\n",
			r.ID, r.Kind, r.Status, r.Accepted, r.Rejected, r.StartedAt.Local().Format(time.DateTime))
		if r.Error != "" {
			fmt.Printf("    error: %s\n", r.Error)
		}
	}
	return nil
}

func runServe(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	host := flags.String("host", cfg.Server.Host, "Host to bind to")
	port := flags.Int("port", cfg.Server.Port, "Port to listen on")
	flags.Parse(args)
	cfg.Server.Host, cfg.Server.Port = *host, *port

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	svc, err := openService(ctx, m)
	if err != nil {
		return err
	}
	defer svc.Close()

	if len(cfg.Auth.Tokens) == 0 {
		log.Warn("No auth.tokens configured; every API request will be rejected")
	}
	server := web.NewServer(svc, web.NewStaticTokens(cfg.Auth.Tokens), metrics.Handler(reg), logging.Component(log, "http"))

	addr := cfg.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Println()
	fmt.Println("=== Clip Search API ===")
	fmt.Printf("Server running at: http://%s\n", addr)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
