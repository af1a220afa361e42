package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/llama-relay/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

const errLoggerKey = "err"

var (
	urlFlag     string
	logFileFlag string
)

var rootCmd = &cobra.Command{
	Use:   "llama-relay",
	Short: "Chat with a llama-relay server from the terminal",
	Long: `llama-relay opens a chat session with a llama-relay server. The server replays
the shared chat history on connect and streams every reply as it is generated.
Type "/model <name>" or press Ctrl+S to switch the server's model.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&urlFlag, "url", "u", "ws://127.0.0.1:3001/ws", "WebSocket URL of the relay server")
	rootCmd.Flags().StringVar(&logFileFlag, "log-file", "", "Write debug logs to this file")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// The terminal belongs to the UI, so logs are discarded unless a file is given.
	logger := slog.New(slog.DiscardHandler)
	if logFileFlag != "" {
		f, err := tea.LogToFile(logFileFlag, "llama-relay")
		if err != nil {
			return fmt.Errorf("error opening log file: %w", err)
		}
		defer f.Close()
		logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := tui.Dial(dialCtx, urlFlag)
	if err != nil {
		return err
	}
	logger.Info("Connected", slog.String("url", urlFlag))

	p := tea.NewProgram(tui.NewModel(conn), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, runErr := p.Run()

	if err := conn.Close(); err != nil {
		logger.Debug("Failed to close connection", slog.String(errLoggerKey, err.Error()))
	}
	if runErr != nil {
		logger.Error("Program failed", slog.String(errLoggerKey, runErr.Error()))
		return fmt.Errorf("error running program: %w", runErr)
	}
	return nil
}
