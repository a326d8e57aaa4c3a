package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatcore/internal/chat"
	"github.com/kalambet/chatcore/internal/config"
	"github.com/kalambet/chatcore/internal/retrieval"
	"github.com/kalambet/chatcore/internal/snapshot"
	"github.com/kalambet/chatcore/internal/storage"
	"github.com/kalambet/chatcore/internal/syncqueue"
)

const resultPreviewRunes = 300

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index <file|->",
	Short: "Index conversations from a JSON file",
	Long: `Index one or more conversations so they become searchable.

The input is a conversation object or an array of them:
  {"id":"c1","title":"Trip","messages":[{"id":"m1","role":"user","content":"..."}]}

Examples:
  chatcore index conversation.json
  cat export.json | chatcore index -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convs, err := readConversations(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmdContext(cmd)
		for _, conv := range convs {
			resp, err := client.post(ctx, "/conversations", conv)
			if err != nil {
				return err
			}
			var report retrieval.IndexReport
			if err := decodeJSON(resp, &report); err != nil {
				printError("Indexing %s failed: %v", conv.ID, err)
				continue
			}
			printIndexReport(report)
		}
		return nil
	},
}

// readConversations parses a single conversation or an array of them from
// path, or from stdin when path is "-".
func readConversations(path string, stdin io.Reader) ([]chat.Conversation, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("input is empty")
	}

	var convs []chat.Conversation
	if data[0] == '[' {
		if err := json.Unmarshal(data, &convs); err != nil {
			return nil, fmt.Errorf("parsing conversations: %w", err)
		}
	} else {
		var conv chat.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, fmt.Errorf("parsing conversation: %w", err)
		}
		convs = append(convs, conv)
	}

	for i, c := range convs {
		if c.ID == "" {
			return nil, fmt.Errorf("conversation %d has no id", i)
		}
	}
	return convs, nil
}

func printIndexReport(r retrieval.IndexReport) {
	msg := fmt.Sprintf("%s: %d indexed, %d unchanged, %d retitled, %d removed",
		r.ConversationID, r.Indexed, r.Skipped, r.Retitled, r.Removed)
	switch {
	case r.Aborted:
		printWarning("%s (aborted: conversation changed while indexing)", msg)
	case r.Failed > 0:
		printWarning("%s, %d failed to embed", msg, r.Failed)
	default:
		printSuccess("%s", msg)
	}
}

// --- forget ---

var forgetCmd = &cobra.Command{
	Use:   "forget <conversation-id>",
	Short: "Remove a conversation from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmdContext(cmd), "/conversations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed %d documents", result["removed"])
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over indexed messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("q", strings.Join(args, " "))
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		resp, err := client.get(cmdContext(cmd), "/search?"+q.Encode())
		if err != nil {
			return err
		}

		var results []retrieval.SearchResult
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		printResults(results)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum number of results (default from config)")
}

// --- similar ---

var similarCmd = &cobra.Command{
	Use:   "similar <text>",
	Short: "Find messages in other conversations close in meaning to text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		exclude, _ := cmd.Flags().GetString("exclude")
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("text", strings.Join(args, " "))
		if exclude != "" {
			q.Set("exclude", exclude)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if cmd.Flags().Changed("threshold") {
			q.Set("threshold", strconv.FormatFloat(threshold, 'f', -1, 64))
		}
		resp, err := client.get(cmdContext(cmd), "/similar?"+q.Encode())
		if err != nil {
			return err
		}

		var results []retrieval.SearchResult
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		printResults(results)
		return nil
	},
}

func init() {
	similarCmd.Flags().Int("limit", 0, "maximum number of results (default from config)")
	similarCmd.Flags().String("exclude", "", "conversation id to leave out")
	similarCmd.Flags().Float64("threshold", 0, "minimum similarity score; negative keeps everything")
}

func printResults(results []retrieval.SearchResult) {
	if len(results) == 0 {
		fmt.Println("No results found.")
		return
	}
	for i, r := range results {
		title := r.ConversationTitle
		if title == "" {
			title = r.ConversationID
		}
		fmt.Printf("\n%s [score: %.3f] %s\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score, title)
		fmt.Printf("  %s\n", truncate(r.Text, resultPreviewRunes))
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// --- suggest ---

var suggestCmd = &cobra.Command{
	Use:   "suggest <prefix>",
	Short: "Complete a word from indexed history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("prefix", args[0])
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		resp, err := client.get(cmdContext(cmd), "/suggestions?"+q.Encode())
		if err != nil {
			return err
		}

		var words []string
		if err := decodeJSON(resp, &words); err != nil {
			return err
		}
		for _, w := range words {
			fmt.Println(w)
		}
		return nil
	},
}

func init() {
	suggestCmd.Flags().Int("limit", 0, "maximum number of suggestions")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index size",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(cmd), "/stats")
		if err != nil {
			return err
		}
		var st retrieval.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("Documents", "%d", st.DocumentCount)
		printStatus("Cached embeddings", "%d", st.CacheSize)
		printStatus("Approx. size", "%s", formatBytes(st.ApproxStorageBytes))
		return nil
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage outbound messages",
}

var queueSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Queue a user message for delivery",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"conversation_id": args[0],
			"message": chat.Message{
				Role:    chat.RoleUser,
				Content: strings.Join(args[1:], " "),
			},
		}
		resp, err := client.post(cmdContext(cmd), "/queue", body)
		if err != nil {
			return err
		}
		var item syncqueue.Item
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		printSuccess("Queued %s", item.ID)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(cmd), "/queue")
		if err != nil {
			return err
		}
		var items []syncqueue.Item
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %-8s  retries=%d  %s  %s\n",
				it.ID, it.Status, it.RetryCount, it.ConversationID, truncate(it.Payload.Content, 60))
			if it.LastError != "" {
				fmt.Printf("    %s\n", colorize(colorRed, it.LastError))
			}
		}
		return nil
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counters and connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return printQueueStatus(cmdContext(cmd), client)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move failed messages back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueAction(cmd, "/queue/retry", "retried", "Retrying %d failed messages")
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Drop failed messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueAction(cmd, "/queue/clear", "cleared", "Cleared %d failed messages")
	},
}

func queueAction(cmd *cobra.Command, path, field, format string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmdContext(cmd), path, nil)
	if err != nil {
		return err
	}
	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess(format, result[field])
	return nil
}

func printQueueStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/queue/status")
	if err != nil {
		return err
	}
	var st syncqueue.Status
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	printStatus("Network", "%s", onlineBadge(st.IsOnline))
	printStatus("Pending", "%d", st.PendingCount)
	printStatus("Failed", "%d", st.FailedCount)
	if st.IsSyncing {
		printStatus("Syncing", "yes")
	}
	if st.LastSyncAt != nil {
		printStatus("Last sync", "%s", st.LastSyncAt.Local().Format(time.DateTime))
	} else {
		printStatus("Last sync", "never")
	}
	return nil
}

func init() {
	queueCmd.AddCommand(queueSendCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueClearCmd)
}

// --- network ---

var networkCmd = &cobra.Command{
	Use:       "network <online|offline>",
	Short:     "Report connectivity to the server",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var online bool
		switch args[0] {
		case "online":
			online = true
		case "offline":
		default:
			return fmt.Errorf("expected online or offline, got %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmdContext(cmd), "/network", map[string]bool{"online": online})
		if err != nil {
			return err
		}
		var st syncqueue.Status
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printSuccess("Reported %s (%d pending)", args[0], st.PendingCount)
		return nil
	},
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the local index and queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL indexed documents and queued messages. Use --confirm to proceed.")
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		healthClient := &http.Client{Timeout: 2 * time.Second}
		if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
			resp.Body.Close()
			return fmt.Errorf("chatcore is running; stop it before resetting")
		}

		return resetData(cfg.Storage.DataDir)
	},
}

func resetData(dataDir string) error {
	kv, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer kv.Close()

	printStep("Deleting snapshot...")
	if err := snapshot.New(kv).Reset(); err != nil {
		return err
	}
	printSuccess("All data deleted")
	return nil
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm data deletion")
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
