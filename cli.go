package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatguard/internal/logging"
	"chatguard/internal/models"
	"chatguard/internal/service/ai"
	"chatguard/internal/syncclient"
)

func serverURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func newWatchCmd(configPath *string) *cobra.Command {
	var (
		server  string
		channel string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a channel from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.Development)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if server == "" {
				server = serverURL(cfg.BasicConfig.ServerAddress)
			}
			if channel == "" {
				channel = cfg.BasicConfig.DefaultChannel
			}
			if limit <= 0 {
				limit = cfg.Sync.WindowLimit
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			client := syncclient.New(
				syncclient.NewHTTPSource(server, 10*time.Second),
				channel,
				syncclient.WithInterval(cfg.Sync.PollInterval()),
				syncclient.WithLimit(limit),
				syncclient.WithLogger(logger),
			)
			if err := client.Connect(ctx, func(messages []*models.Message) {
				printWindow(out, channel, messages)
			}); err != nil {
				return err
			}
			defer client.Disconnect()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server base URL (default derived from server_address)")
	cmd.Flags().StringVar(&channel, "channel", "", "channel to follow")
	cmd.Flags().IntVar(&limit, "limit", 0, "window size")
	return cmd
}

func printWindow(out io.Writer, channel string, messages []*models.Message) {
	fmt.Fprintf(out, "--- #%s (%d messages) ---\n", channel, len(messages))
	for _, msg := range messages {
		fmt.Fprintf(out, "%s\n", formatMessage(msg))
	}
}

func formatMessage(msg *models.Message) string {
	score := "pending"
	if msg.Classified() {
		score = fmt.Sprintf("%.2f", *msg.ToxicityScore)
	}
	flag := ""
	if msg.Flagged {
		flag = " [flagged]"
	}
	return fmt.Sprintf("[%d] %s %s: %s (toxicity %s)%s",
		msg.ID, msg.CreatedAt.Local().Format("15:04:05"), msg.Author, msg.Content, score, flag)
}

func newSendCmd(configPath *string) *cobra.Command {
	var (
		server  string
		channel string
	)
	cmd := &cobra.Command{
		Use:   "send <author> <content...>",
		Short: "Post a message to a running server",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if server == "" {
				server = serverURL(cfg.BasicConfig.ServerAddress)
			}
			if channel == "" {
				channel = cfg.BasicConfig.DefaultChannel
			}
			client := syncclient.New(syncclient.NewHTTPSource(server, 10*time.Second), channel)
			msg, err := client.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent message %d to #%s\n", msg.ID, msg.Channel)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server base URL (default derived from server_address)")
	cmd.Flags().StringVar(&channel, "channel", "", "target channel")
	return cmd
}

func newClassifyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>...",
		Short: "Score texts with the configured classifier",
		Long:  "Each argument is classified independently; failures fall back to the safe verdict.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.Development)
			if err != nil {
				return err
			}
			defer logger.Sync()

			classifier, err := ai.NewClassifier(cmd.Context(), cfg.Classifier, logger)
			if err != nil {
				return err
			}
			verdicts := ai.ClassifyBatch(cmd.Context(), classifier, args, cfg.Classifier.Timeout(), logger)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(verdicts)
		},
	}
}
