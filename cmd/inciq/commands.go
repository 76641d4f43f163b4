package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/inciq/internal/config"
	"github.com/kalambet/inciq/internal/pipeline"
	"github.com/kalambet/inciq/internal/storage"
)

// localFunc runs a phase in-process against the configured store.
type localFunc func(ctx context.Context, r *pipeline.Runner) (any, error)

// trigger runs a phase through the server, or in-process with --local.
// The phase report is written to stdout as JSON.
func trigger(cmd *cobra.Command, path string, params map[string]string, local localFunc) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	if isLocal, _ := cmd.Flags().GetBool("local"); isLocal {
		runner, closeFn, err := openLocal(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		res, err := local(ctx, runner)
		if res != nil {
			if perr := printJSON(out, res); perr != nil {
				return perr
			}
		}
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	res, err := triggerRemote(ctx, client, path, params)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func triggerRemote(ctx context.Context, client *apiClient, path string, params map[string]string) (json.RawMessage, error) {
	resp, err := client.post(ctx, withQuery(path, params))
	if err != nil {
		return nil, err
	}
	var res json.RawMessage
	if err := decodeJSON(resp, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// openLocal builds a runner over the configured data dir without a server.
// The caller must not run it alongside a server using the same store.
func openLocal(ctx context.Context) (*pipeline.Runner, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	setupLogging(cfg.Log)

	eng, err := detectEngine(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	runner, err := buildRunner(cfg, eng, store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return runner, func() {
		if err := store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}, nil
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// --- scan ---

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Stage listings from configured sources",
	Long: `Scan one source, or every configured source, and stage new listings.

Examples:
  inciq scan
  inciq scan --source shop-a --max-pages 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, _ := cmd.Flags().GetString("source")
		maxPages, _ := cmd.Flags().GetInt("max-pages")
		return trigger(cmd, "/pipeline/scan",
			map[string]string{"source": src, "max_pages": itoa(maxPages)},
			func(ctx context.Context, r *pipeline.Runner) (any, error) {
				phases, err := r.RunScan(ctx, src, maxPages)
				return map[string]any{"sources": phases}, err
			})
	},
}

// --- extract ---

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract one batch of staged listings into products",
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt("batch-size")
		reprocess, _ := cmd.Flags().GetBool("reprocess")
		params := map[string]string{"batch_size": itoa(size)}
		if reprocess {
			params["reprocess"] = "true"
		}
		return trigger(cmd, "/pipeline/extract", params,
			func(ctx context.Context, r *pipeline.Runner) (any, error) {
				if reprocess {
					return r.RunReprocess(ctx, size)
				}
				return r.RunExtract(ctx, size)
			})
	},
}

// --- link ---

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link one batch of products to ingredients",
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt("batch-size")
		return trigger(cmd, "/pipeline/link", map[string]string{"batch_size": itoa(size)},
			func(ctx context.Context, r *pipeline.Runner) (any, error) {
				return r.RunLink(ctx, size)
			})
	},
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run extraction then linking under one time budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		eb, _ := cmd.Flags().GetInt("extract-batch")
		lb, _ := cmd.Flags().GetInt("link-batch")
		return trigger(cmd, "/pipeline/run",
			map[string]string{"extract_batch": itoa(eb), "link_batch": itoa(lb)},
			func(ctx context.Context, r *pipeline.Runner) (any, error) {
				return r.RunCombined(ctx, pipeline.CombinedOptions{ExtractBatch: eb, LinkBatch: lb})
			})
	},
}

// --- recover ---

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Return stale processing claims to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan < 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		params := map[string]string{}
		if olderThan > 0 {
			params["older_than"] = olderThan.String()
		}
		return trigger(cmd, "/pipeline/recover", params,
			func(ctx context.Context, r *pipeline.Runner) (any, error) {
				return r.Recover(ctx, olderThan)
			})
	},
}

func init() {
	for _, c := range []*cobra.Command{scanCmd, extractCmd, linkCmd, runCmd, recoverCmd} {
		c.Flags().Bool("local", false, "run in-process instead of calling the server")
	}
	scanCmd.Flags().String("source", "", "source name (default: all sources)")
	scanCmd.Flags().Int("max-pages", 0, "override the source page limit")
	extractCmd.Flags().Int("batch-size", 0, "rows to claim (default: configured batch)")
	extractCmd.Flags().Bool("reprocess", false, "retry rows that failed transiently")
	linkCmd.Flags().Int("batch-size", 0, "products to link (default: configured batch)")
	runCmd.Flags().Int("extract-batch", 0, "extraction batch size")
	runCmd.Flags().Int("link-batch", 0, "linking batch size")
	recoverCmd.Flags().Duration("older-than", 0, "claim age to treat as stale (default: pipeline.stale_after)")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and pipeline backlogs",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		runs, _ := cmd.Flags().GetInt("runs")
		return showStatus(cmd.Context(), cmd.OutOrStdout(), asJSON, runs)
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the raw status report")
	statusCmd.Flags().Int("runs", 5, "recent runs to show")
}

func showStatus(ctx context.Context, out io.Writer, asJSON bool, runs int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	backend := cfg.Extraction.Backend
	if backend == "" {
		backend = "ollama"
	}

	hc := &http.Client{Timeout: 2 * time.Second}
	resp, err := hc.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	running := err == nil && resp.StatusCode == http.StatusOK
	if err == nil {
		resp.Body.Close()
	}

	if !asJSON {
		switch {
		case err != nil:
			printStatus("Server", "stopped")
		case running:
			printStatus("Server", "running on port %d", cfg.Server.Port)
		default:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
		printStatus("Backend", "%s", backend)
		printStatus("Extract model", "%s", cfg.Extraction.ExtractModel)
		printStatus("Enrich model", "%s", cfg.Extraction.EnrichModel)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}
	if !running || cfg.API.Secret == "" {
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	st, err := fetchStatus(ctx, client, runs)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, st)
	}
	printPipelineStatus(out, st)
	return nil
}

func fetchStatus(ctx context.Context, client *apiClient, runs int) (pipeline.Status, error) {
	var st pipeline.Status
	resp, err := client.get(ctx, withQuery("/pipeline/status", map[string]string{"runs": strconv.Itoa(runs)}))
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

func printPipelineStatus(out io.Writer, st pipeline.Status) {
	states := make([]string, 0, len(st.Staged))
	for s := range st.Staged {
		states = append(states, s)
	}
	sort.Strings(states)

	fmt.Fprintln(out, colorize(colorBold, "Staged"))
	for _, s := range states {
		fmt.Fprintf(out, "  %-12s %d\n", s, st.Staged[s])
	}
	fmt.Fprintf(out, "  %-12s %d\n", "permanent", st.PermanentFailures)
	fmt.Fprintln(out, colorize(colorBold, "Catalog"))
	fmt.Fprintf(out, "  %-12s %d\n", "products", st.Products)
	fmt.Fprintf(out, "  %-12s %d\n", "ingredients", st.Ingredients)
	fmt.Fprintf(out, "  %-12s %d\n", "to link", st.LinkBacklog)

	if len(st.RecentRuns) == 0 {
		return
	}
	fmt.Fprintln(out, colorize(colorBold, "Recent runs"))
	for _, r := range st.RecentRuns {
		status := r.Status
		switch r.Status {
		case storage.RunCompleted:
			status = colorize(colorGreen, status)
		case storage.RunFailed:
			status = colorize(colorRed, status)
		}
		fmt.Fprintf(out, "  %s  %-9s %-10s processed=%d linked=%d failed=%d cost=$%.4f\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Phase, status,
			r.Processed, r.Linked, r.Failed, r.CostUSD)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> [value]",
	Short: "Store a secret (api.secret, gemini.api_key, openrouter.api_key)",
	Long: `Store a secret in the secrets file. When the value is omitted it is
read from stdin so it does not end up in shell history.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			value = string(trimNewline(data))
		}
		if value == "" {
			return fmt.Errorf("empty value for %s", key)
		}

		if err := config.SetSecret(key, value); err != nil {
			return err
		}

		printSuccess("Stored %s", key)
		return nil
	},
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
