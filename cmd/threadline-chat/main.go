// ABOUTME: Interactive terminal client for the threadline relay server.
// ABOUTME: Provides readline-style input, streaming output, and persisted session management.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/threadline/threadline/internal/client"
	"github.com/threadline/threadline/internal/kv"
	"github.com/threadline/threadline/internal/session"
)

// getDataPath returns the path to the threadline data directory.
// Priority: XDG_DATA_HOME/threadline > ~/.local/share/threadline
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "threadline")
}

func main() {
	server := flag.String("server", "http://localhost:5000", "Relay server URL")
	dataPath := flag.String("data", filepath.Join(getDataPath(), "client.db"), "Path to the local session database")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := kv.Open(*dataPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening session storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	sessions := session.NewStore(store, logger)
	api := client.NewAPI(*server)
	consumer := client.NewConsumer(api, api, sessions, logger)
	consumer.OnFragment = func(fragment string) {
		fmt.Print(fragment)
	}

	fmt.Printf("threadline-chat connected to %s\n", *server)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, consumer); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, consumer *client.Consumer) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		// Prompt shows a short handle of the active session
		if active := consumer.ActiveThread(); active != "" {
			fmt.Printf("[%s]> ", shortID(active))
		} else {
			fmt.Print("> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if input == "/help" {
			printHelp()
			fmt.Println()
			continue
		}

		if input == "/new" {
			consumer.NewChat()
			fmt.Println("Started a new chat.")
			fmt.Println()
			continue
		}

		if input == "/sessions" {
			printSessions(consumer)
			fmt.Println()
			continue
		}

		if strings.HasPrefix(input, "/switch") {
			arg := strings.TrimSpace(strings.TrimPrefix(input, "/switch"))
			switchSession(ctx, consumer, arg)
			fmt.Println()
			continue
		}

		if strings.HasPrefix(input, "/delete") {
			arg := strings.TrimSpace(strings.TrimPrefix(input, "/delete"))
			deleteSession(consumer, arg)
			fmt.Println()
			continue
		}

		if input == "/retry" {
			if err := consumer.ReloadHistory(ctx); err != nil {
				color.Red("[error] %v", err)
			} else {
				printHistory(consumer)
			}
			fmt.Println()
			continue
		}

		if input == "/clear-all" {
			if confirm(scanner, "Delete all chat history? This cannot be undone.") {
				consumer.ClearAll()
				fmt.Println("All chat sessions deleted.")
			} else {
				fmt.Println("Aborted.")
			}
			fmt.Println()
			continue
		}

		if strings.HasPrefix(input, "/") {
			fmt.Printf("Unknown command %s. /help for commands.\n\n", input)
			continue
		}

		// Send message and stream the reply
		if err := consumer.Send(ctx, input); err != nil {
			color.Red("[error] %v", err)
			fmt.Println()
			continue
		}

		select {
		case <-consumer.Wait():
		case <-ctx.Done():
			return nil
		}

		if errMsg := consumer.LastError(); errMsg != "" {
			color.Red("[error] %s", errMsg)
		}
		fmt.Println()
		fmt.Println()
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new           Start a new chat")
	fmt.Println("  /sessions      List saved chat sessions")
	fmt.Println("  /switch <n|id> Switch to a saved session by number or thread id")
	fmt.Println("  /delete <n|id> Delete a saved session")
	fmt.Println("  /retry         Retry loading history after a failure")
	fmt.Println("  /clear-all     Delete all saved sessions")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

func printSessions(consumer *client.Consumer) {
	sessions := consumer.Sessions()
	if len(sessions) == 0 {
		fmt.Println("No saved sessions")
		return
	}

	active := consumer.ActiveThread()
	fmt.Println("Saved sessions (most recent first):")
	for i, s := range sessions {
		marker := "  "
		if s.ThreadID == active {
			marker = color.GreenString("* ")
		}
		when := time.UnixMilli(s.Timestamp).Format("Jan 02 15:04")
		fmt.Printf("%s%2d. %s  %s  %s\n", marker, i+1, shortID(s.ThreadID), when, s.Title)
	}
}

func switchSession(ctx context.Context, consumer *client.Consumer, arg string) {
	if arg == "" {
		fmt.Println("Usage: /switch <number|thread id>")
		return
	}

	threadID := arg
	if n, err := strconv.Atoi(arg); err == nil {
		sessions := consumer.Sessions()
		if n < 1 || n > len(sessions) {
			fmt.Printf("No session %d (have %d)\n", n, len(sessions))
			return
		}
		threadID = sessions[n-1].ThreadID
	}

	if err := consumer.SwitchSession(ctx, threadID); err != nil {
		color.Red("[error] %v", err)
		fmt.Println("Session stays selected; /retry to try again.")
		return
	}

	printHistory(consumer)
}

func deleteSession(consumer *client.Consumer, arg string) {
	if arg == "" {
		fmt.Println("Usage: /delete <number|thread id>")
		return
	}

	threadID := arg
	if n, err := strconv.Atoi(arg); err == nil {
		sessions := consumer.Sessions()
		if n < 1 || n > len(sessions) {
			fmt.Printf("No session %d (have %d)\n", n, len(sessions))
			return
		}
		threadID = sessions[n-1].ThreadID
	}

	consumer.DeleteSession(threadID)
	fmt.Printf("Deleted session %s\n", shortID(threadID))
}

func printHistory(consumer *client.Consumer) {
	messages := consumer.Messages()
	if len(messages) == 0 {
		fmt.Println("(empty conversation)")
		return
	}

	fmt.Println(strings.Repeat("-", 60))
	for _, msg := range messages {
		if msg.Role == client.RoleUser {
			color.Blue("you: %s", msg.Content)
		} else {
			fmt.Printf("assistant: %s\n", msg.Content)
		}
	}
	fmt.Println(strings.Repeat("-", 60))
}

func confirm(scanner *bufio.Scanner, question string) bool {
	fmt.Printf("%s (yes/no): ", question)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "yes" || answer == "y"
}

// shortID trims a thread id down to a prompt-sized handle.
func shortID(id string) string {
	if len(id) <= 15 {
		return id
	}
	return id[:15]
}
