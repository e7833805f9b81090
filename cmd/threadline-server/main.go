// ABOUTME: Entry point for the threadline relay server.
// ABOUTME: Brokers chat requests into SSE streams against the OpenAI Assistants API.

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/provider"
	"github.com/threadline/threadline/internal/relay"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _   _                        _ _ _
| |_| |__  _ __ ___  __ _  __| | (_)_ __   ___
| __| '_ \| '__/ _ \/ _' |/ _' | | | '_ \ / _ \
| |_| | | | | |  __/ (_| | (_| | | | | | |  __/
 \__|_| |_|_|  \___|\__,_|\__,_|_|_|_| |_|\___|
`

// getConfigPath returns the path to the server config file.
// Priority: THREADLINE_CONFIG env var > XDG_CONFIG_HOME/threadline/server.yaml > ~/.config/threadline/server.yaml
func getConfigPath() string {
	if envPath := os.Getenv("THREADLINE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "threadline", "server.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: threadline-server <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the relay server")
		fmt.Println("  init               Create a new config file interactively")
		fmt.Println("  health             Check server health")
		fmt.Println("  assistant create   Provision a new assistant")
		fmt.Println("  assistant update   Update the configured assistant")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "assistant":
		err = runAssistant(ctx)
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Assistant: %s\n", cfg.Provider.AssistantID)
	fmt.Println()

	logger.Info("starting threadline-server",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	p := provider.NewOpenAI(cfg.Provider.APIKey, cfg.Provider.AssistantID, cfg.Provider.BaseURL, logger)
	rl := relay.New(p, relay.Options{
		ValidateThreads: cfg.Relay.ValidateThreads,
		RegistryTTL:     cfg.Relay.RegistryTTL,
		RegistrySize:    cfg.Relay.RegistryMax,
	}, logger)
	defer rl.Close()

	mux := http.NewServeMux()
	rl.Register(mux)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/healthz", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runAssistant handles "assistant create" and "assistant update".
func runAssistant(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: threadline-server assistant <create|update>")
	}

	fs := flag.NewFlagSet("assistant", flag.ExitOnError)
	name := fs.String("name", "Helpful Assistant", "Assistant display name")
	instructions := fs.String("instructions",
		"You are helpful assistant that can help with tasks and questions.",
		"Assistant system instructions")
	model := fs.String("model", "gpt-4o-mini", "Model backing the assistant")
	if err := fs.Parse(os.Args[3:]); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	p := provider.NewOpenAI(cfg.Provider.APIKey, cfg.Provider.AssistantID, cfg.Provider.BaseURL, nil)

	switch os.Args[2] {
	case "create":
		id, err := p.CreateAssistant(ctx, *model, *name, *instructions)
		if err != nil {
			return err
		}
		fmt.Printf("assistant created: %s\n", id)
		fmt.Println("set provider.assistant_id in your config to use it")
		return nil
	case "update":
		if err := p.UpdateAssistant(ctx, *model, *name, *instructions); err != nil {
			return err
		}
		fmt.Printf("assistant updated: %s\n", cfg.Provider.AssistantID)
		return nil
	default:
		return fmt.Errorf("unknown assistant command %q", os.Args[2])
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("threadline-server configuration setup")
	fmt.Println("=====================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:5000")

	fmt.Println("\n--- Provider Configuration ---")
	assistantID := prompt(reader, "OpenAI assistant id", "")
	fmt.Println("The API key is read from the OPENAI_API_KEY environment variable.")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# threadline-server configuration\n")
	cfg.WriteString("# Generated by threadline-server init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("provider:\n")
	cfg.WriteString("  api_key: ${OPENAI_API_KEY}\n")
	cfg.WriteString(fmt.Sprintf("  assistant_id: %q\n", assistantID))
	cfg.WriteString("\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString("  validate_threads: false\n")
	cfg.WriteString("  registry_ttl: \"24h\"\n")
	cfg.WriteString("  registry_max: 4096\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	return nil
}

// prompt reads a line with a default value.
func prompt(reader *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}
