package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vicentereig/whatsapp-stickerbot/internal/commands"
	"github.com/vicentereig/whatsapp-stickerbot/internal/config"
	"github.com/vicentereig/whatsapp-stickerbot/internal/logging"
)

var (
	// version is overridden at build time via -ldflags "-X main.version=X.Y.Z"
	version = "dev"
)

const examples = `  whatsapp-stickerbot auth
  whatsapp-stickerbot run                       # Keep running to answer !s / !sa
  whatsapp-stickerbot convert cat.png           # Writes cat.webp
  whatsapp-stickerbot convert clip.mp4 --animated --output clip.webp
  whatsapp-stickerbot history --outcome rejected --since 24h
  whatsapp-stickerbot chats list --limit 5`

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, `{"success":false,"data":null,"error":%q}
`, err.Error())
		os.Exit(1)
	}
}

type globalOptions struct {
	storeDir string
	envFile  string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "whatsapp-stickerbot",
		Short:         "WhatsApp bot that turns images and clips into stickers",
		Example:       examples,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.storeDir, "store", "", "storage directory (overrides STICKERBOT_STORE_DIR)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(
		newRunCmd(opts, out),
		newAuthCmd(opts, out),
		newConvertCmd(opts, out),
		newHistoryCmd(opts, out),
		newStatsCmd(opts, out),
		newChatsCmd(opts, out),
		newPruneCmd(opts, out),
		newVersionCmd(out),
	)
	return root
}

// withApp loads configuration, builds the App and prints what fn returns.
func withApp(opts *globalOptions, out io.Writer, fn func(app *commands.App) string) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	dir := cfg.StoreDir
	if opts.storeDir != "" {
		dir = opts.storeDir
	}
	cfg = cfg.WithStoreDir(dir)

	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	app, err := commands.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer app.Close()

	fmt.Fprintln(out, fn(app))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to WhatsApp and answer sticker commands until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withApp(opts, out, func(app *commands.App) string {
				return app.Run(ctx)
			})
		},
	}
}

func newAuthCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Pair this device with WhatsApp (scan QR code)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()
			return withApp(opts, out, func(app *commands.App) string {
				return app.Auth(ctx)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up pairing after this long")
	return cmd
}

func newConvertCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	params := commands.ConvertParams{}
	cmd := &cobra.Command{
		Use:   "convert INPUT",
		Short: "Convert a local image or clip into a sticker file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Input = args[0]
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			return withApp(opts, out, func(app *commands.App) string {
				return app.Convert(ctx, params)
			})
		},
	}
	cmd.Flags().StringVarP(&params.Output, "output", "o", "", "output path (default: input name with .webp)")
	cmd.Flags().BoolVarP(&params.Animated, "animated", "a", false, "produce an animated sticker")
	return cmd
}

func newHistoryCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	var (
		chat, outcome string
		params        commands.HistoryParams
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent conversions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chat != "" {
				params.ChatJID = &chat
			}
			if outcome != "" {
				params.Outcome = &outcome
			}
			return withApp(opts, out, func(app *commands.App) string {
				return app.History(params)
			})
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "", "only conversions for this chat JID")
	cmd.Flags().StringVar(&outcome, "outcome", "", "accepted or rejected")
	cmd.Flags().DurationVar(&params.Since, "since", 0, "only conversions newer than this")
	cmd.Flags().IntVar(&params.Limit, "limit", 20, "limit")
	cmd.Flags().IntVar(&params.Page, "page", 0, "page")
	return cmd
}

func newStatsCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise conversions by outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, out, func(app *commands.App) string {
				return app.Stats()
			})
		},
	}
}

func newChatsCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	var (
		query       string
		limit, page int
	)
	chats := &cobra.Command{
		Use:   "chats",
		Short: "Chats that have talked to the bot",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var queryPtr *string
			if query != "" {
				queryPtr = &query
			}
			return withApp(opts, out, func(app *commands.App) string {
				return app.ListChats(queryPtr, limit, page)
			})
		},
	}
	list.Flags().StringVar(&query, "query", "", "search query")
	list.Flags().IntVar(&limit, "limit", 20, "limit")
	list.Flags().IntVar(&page, "page", 0, "page")
	chats.AddCommand(list)
	return chats
}

func newPruneCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget processed message ids older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, out, func(app *commands.App) string {
				return app.Prune(olderThan)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention window")
	return cmd
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			app := commands.NewAppWithDeps(nil, logging.New("error", "console", os.Stderr), nil, nil)
			fmt.Fprintln(out, app.Version(version))
		},
	}
}
