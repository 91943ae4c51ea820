package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mdp/qrterminal"
	"github.com/spf13/cobra"

	common "github.com/example/billing-messenger/internal/adapters/common"
	"github.com/example/billing-messenger/internal/dispatch"
	"github.com/example/billing-messenger/internal/lifecycle"
	"github.com/example/billing-messenger/internal/models"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		errColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		server  string
		token   string
		timeout time.Duration
		client  *apiClient
	)
	root := &cobra.Command{
		Use:           "messagingctl",
		Short:         "Operate the billing messenger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			client = newAPIClient(server, token, timeout)
		},
	}
	root.PersistentFlags().StringVar(&server, "server", envOr("MESSAGING_SERVER", "http://localhost:8080"), "messaging server base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("APP_API_TOKEN"), "admin API token")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	get := func() *apiClient { return client }
	root.AddCommand(
		newHealthCmd(get),
		newSendCmd(get),
		newBulkCmd(get),
		newLogsCmd(get),
		newBotCmd(get),
	)
	return root
}

func newHealthCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "health [channel]",
		Short: "Check provider reachability (whatsapp by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := string(models.ChannelWhatsApp)
			if len(args) == 1 {
				channel = args[0]
			}
			var report common.HealthReport
			err := client().do(cmd.Context(), http.MethodGet, "/v1/providers/"+url.PathEscape(channel)+"/health", nil, &report)
			var apiErr *apiError
			if err != nil && !errors.As(err, &apiErr) {
				return err
			}
			if report.Reachable {
				okColor.Printf("%s reachable", report.Provider)
				fmt.Printf(" (status %d)\n", report.StatusCode)
				return nil
			}
			errColor.Printf("%s unreachable\n", channel)
			if report.Detail != "" {
				fmt.Println(report.Detail)
			}
			return err
		},
	}
}

func newSendCmd(client func() *apiClient) *cobra.Command {
	var (
		kind      string
		initiator string
		extra     []string
	)
	cmd := &cobra.Command{
		Use:   "send <template-code> <recipient-id>",
		Short: "Dispatch a template to one recipient",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			extraCtx, err := parsePairs(extra)
			if err != nil {
				return err
			}
			body := map[string]any{
				"recipient_id":  args[1],
				"message_kind":  kind,
				"initiator":     initiator,
				"extra_context": extraCtx,
			}
			var entry models.DeliveryLogEntry
			if err := client().do(cmd.Context(), http.MethodPost, "/v1/templates/"+url.PathEscape(args[0])+"/dispatch", body, &entry); err != nil {
				return err
			}
			if entry.Outcome == models.OutcomeSuccess {
				okColor.Printf("sent")
			} else {
				errColor.Printf("failed")
			}
			fmt.Printf(" entry=%s channel=%s", entry.ID, entry.Channel)
			if entry.Error != "" {
				fmt.Printf(" error=%q", entry.Error)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(models.KindCharge), "message kind: charge or reminder")
	cmd.Flags().StringVar(&initiator, "initiator", os.Getenv("USER"), "operator recorded on the log entry")
	cmd.Flags().StringArrayVar(&extra, "extra", nil, "extra placeholder value as key=value (repeatable)")
	return cmd
}

func newBulkCmd(client func() *apiClient) *cobra.Command {
	var (
		ids     []string
		message string
		kind    string
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Send one message to many recipients in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var job dispatch.Job
			req := dispatch.BulkRequest{RecipientIDs: ids, Message: message, Kind: models.MessageKind(kind)}
			if err := client().do(cmd.Context(), http.MethodPost, "/v1/dispatch/bulk", req, &job); err != nil {
				return err
			}
			fmt.Printf("job %s queued for %d recipients\n", job.ID, job.Recipients)
			if !wait {
				return nil
			}
			return waitForJob(cmd.Context(), client(), job.ID)
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "recipient ids (comma separated)")
	cmd.Flags().StringVar(&message, "message", "", "message with {placeholders}")
	cmd.Flags().StringVar(&kind, "kind", string(models.KindCharge), "message kind: charge or reminder")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	_ = cmd.MarkFlagRequired("ids")
	_ = cmd.MarkFlagRequired("message")

	cmd.AddCommand(&cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a bulk job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job dispatch.Job
			if err := client().do(cmd.Context(), http.MethodGet, "/v1/dispatch/bulk/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	})
	return cmd
}

func waitForJob(ctx context.Context, client *apiClient, id string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		var job dispatch.Job
		if err := client.do(ctx, http.MethodGet, "/v1/dispatch/bulk/"+url.PathEscape(id), nil, &job); err != nil {
			return err
		}
		if job.Status == dispatch.JobCompleted || job.Status == dispatch.JobFailed {
			printJob(job)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printJob(job dispatch.Job) {
	switch job.Status {
	case dispatch.JobCompleted:
		okColor.Printf("%s %s", job.ID, job.Status)
	case dispatch.JobFailed:
		errColor.Printf("%s %s", job.ID, job.Status)
	default:
		warnColor.Printf("%s %s", job.ID, job.Status)
	}
	fmt.Println()
	if job.Error != "" {
		fmt.Println("error:", job.Error)
	}
	if r := job.Result; r != nil {
		fmt.Printf("sent=%d failed=%d skipped=%d cancelled=%d\n", r.Sent, r.Failed, r.Skipped, r.Cancelled)
		for _, item := range r.Results {
			if item.Status == dispatch.ItemSent {
				continue
			}
			fmt.Printf("  %s %s %s\n", item.RecipientID, item.Status, item.Error)
		}
	}
}

func newLogsCmd(client func() *apiClient) *cobra.Command {
	var (
		recipient string
		outcome   string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recent delivery log entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if recipient != "" {
				q.Set("recipient_id", recipient)
			}
			if outcome != "" {
				q.Set("outcome", outcome)
			}
			q.Set("limit", strconv.Itoa(limit))
			var out struct {
				Entries []models.DeliveryLogEntry `json:"entries"`
			}
			if err := client().do(cmd.Context(), http.MethodGet, "/v1/delivery-logs?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			for _, e := range out.Entries {
				c := okColor
				if e.Outcome != models.OutcomeSuccess {
					c = errColor
				}
				c.Printf("%-7s", e.Outcome)
				fmt.Printf(" %s %s %-8s %s %s\n", e.CreatedAt.Local().Format(time.DateTime), e.RecipientID, e.Kind, e.Channel, e.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "filter by recipient id")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome: success or failed")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")

	var days int
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Show delivery totals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s models.DeliverySummary
			if err := client().do(cmd.Context(), http.MethodGet, "/v1/delivery-logs/summary?days="+strconv.Itoa(days), nil, &s); err != nil {
				return err
			}
			fmt.Printf("last %d days: total=%d successful=%d failed=%d success_rate=%.1f%%\n", days, s.Total, s.Successful, s.Failed, s.SuccessRate)
			return nil
		},
	}
	summary.Flags().IntVar(&days, "days", 30, "window in days")
	cmd.AddCommand(summary)
	return cmd
}

func newBotCmd(client func() *apiClient) *cobra.Command {
	bot := &cobra.Command{Use: "bot", Short: "Manage the WhatsApp bot session"}

	printState := func(s models.ConnectionState) {
		switch s.Status {
		case models.StatusConnected:
			okColor.Println(s.Status)
		case models.StatusError:
			errColor.Printf("%s: %s\n", s.Status, s.Error)
		default:
			warnColor.Println(s.Status)
		}
	}
	showQR := func(ch *models.Challenge) {
		if ch == nil || ch.Code == "" {
			return
		}
		fmt.Println("scan with WhatsApp > Linked devices:")
		qrterminal.Generate(ch.Code, qrterminal.L, os.Stdout)
	}

	bot.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the connection state",
			RunE: func(cmd *cobra.Command, _ []string) error {
				var s models.ConnectionState
				if err := client().do(cmd.Context(), http.MethodGet, "/v1/bot/status", nil, &s); err != nil {
					return err
				}
				printState(s)
				return nil
			},
		},
		&cobra.Command{
			Use:   "start",
			Short: "Start a connection attempt and print the pairing QR",
			RunE: func(cmd *cobra.Command, _ []string) error {
				var s models.ConnectionState
				if err := client().do(cmd.Context(), http.MethodPost, "/v1/bot/start", nil, &s); err != nil {
					return err
				}
				printState(s)
				showQR(s.Challenge)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Close the session",
			RunE: func(cmd *cobra.Command, _ []string) error {
				var s models.ConnectionState
				if err := client().do(cmd.Context(), http.MethodPost, "/v1/bot/stop", nil, &s); err != nil {
					return err
				}
				printState(s)
				return nil
			},
		},
		&cobra.Command{
			Use:   "qr",
			Short: "Print the pending pairing QR",
			RunE: func(cmd *cobra.Command, _ []string) error {
				var ch models.Challenge
				if err := client().do(cmd.Context(), http.MethodGet, "/v1/bot/qr", nil, &ch); err != nil {
					return err
				}
				showQR(&ch)
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify <phone> [name]",
			Short: "Check whether a number has WhatsApp",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				body := map[string]string{"phone": args[0]}
				if len(args) == 2 {
					body["name"] = args[1]
				}
				var contact lifecycle.Contact
				if err := client().do(cmd.Context(), http.MethodPost, "/v1/bot/contacts/verify", body, &contact); err != nil {
					return err
				}
				if contact.Exists {
					okColor.Printf("%s on WhatsApp", contact.Phone)
					if contact.WhatsAppName != "" {
						fmt.Printf(" as %q", contact.WhatsAppName)
					}
					fmt.Println()
					return nil
				}
				warnColor.Printf("%s not on WhatsApp\n", contact.Phone)
				return nil
			},
		},
	)
	return bot
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --extra %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
