package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/seenimoa/efundkyc/internal/app"
	"github.com/seenimoa/efundkyc/internal/kyc"
	"github.com/seenimoa/efundkyc/internal/llm"
)

// --- Chat Command ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an in-process conversation session. Messages are routed to the
KYC workflow or to general chat exactly as over the socket protocol.

Commands:
  /reset    clear the conversation and start over
  /history  print the conversation so far
  exit      leave (also: quit)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.NewSession(uuid.NewString())
		if err != nil {
			return err
		}
		fmt.Println("💬 efund chat (" + a.Provider.Name() + ")")
		fmt.Println(cfg.Session.Greeting)
		return runREPL(ctx, os.Stdin, os.Stdout, sess, cfg.Session.ResetMessage)
	},
}

// conversation is the part of agent.Session the REPL drives.
type conversation interface {
	StreamChat(ctx context.Context, message string, emit func(string) error) error
	ChatHistory(ctx context.Context) ([]llm.Message, error)
	Reset(ctx context.Context) error
}

// runREPL reads one message per line from in and streams each reply to out
// until EOF, an exit command, or cancellation.
func runREPL(ctx context.Context, in io.Reader, out io.Writer, sess conversation, resetMessage string) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "\n> ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		input := strings.TrimSpace(line)

		switch {
		case isExitCommand(input):
			return nil
		case input == "/reset":
			if err := sess.Reset(ctx); err != nil {
				fmt.Fprintf(out, "❌ %v\n", err)
			} else {
				fmt.Fprintln(out, resetMessage)
			}
		case input == "/history":
			history, err := sess.ChatHistory(ctx)
			if err != nil {
				fmt.Fprintf(out, "❌ %v\n", err)
				break
			}
			for _, m := range history {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
			}
		case input != "":
			err := sess.StreamChat(ctx, input, func(fragment string) error {
				_, err := fmt.Fprint(out, fragment)
				return err
			})
			fmt.Fprintln(out)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(out, "❌ %v\n", err)
			}
		}

		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
	}
}

// isExitCommand reports whether input ends the REPL.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}

// --- KYC Command ---

var kycCmd = &cobra.Command{
	Use:   "kyc [text]",
	Short: "Run the KYC workflow once on the given text",
	Long: `Run the four-step KYC workflow on one message, streaming each step's
output, then print the terminal result as JSON.

Example:
  efund kyc "我35岁，住在北京，已婚，是一名工程师"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		customerID, _ := cmd.Flags().GetString("customer-id")

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		engine, err := a.NewEngine()
		if err != nil {
			return err
		}
		return runKYC(os.Stdout, engine.Run(ctx, args[0], customerID))
	},
}

func init() {
	kycCmd.Flags().String("customer-id", "", "customer ID to stamp on the profile")
}

// runKYC streams the chunks of h to out, labelling each step, and prints
// the terminal Result.
func runKYC(out io.Writer, h *kyc.Handle) error {
	var current kyc.StepName
	result, err := kyc.Drain(h, func(c kyc.StreamingChunk) error {
		if c.StepName != current {
			current = c.StepName
			fmt.Fprintf(out, "\n── %s ──\n", current)
		}
		_, err := fmt.Fprint(out, c.Chunk)
		return err
	})
	if err != nil {
		return fmt.Errorf("kyc run: %w", err)
	}

	fmt.Fprintln(out, "\n── result ──")
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(result); err != nil {
		return err
	}
	if result.Status == kyc.StatusError {
		return errors.New(result.Message)
	}
	return nil
}
