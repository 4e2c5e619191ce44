// ABOUTME: Entry point for the rag-gateway chat server
// ABOUTME: Subcommands serve the API, check health and mint credentials

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/rag-gateway/internal/auth"
	"github.com/2389/rag-gateway/internal/config"
	"github.com/2389/rag-gateway/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                       _
 _ __ __ _  __ _        __ _  __ _| |_ _____      ____ _ _   _
| '__/ _' |/ _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | | (_| | (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|  \__,_|\__, |      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
           |___/       |___/                             |___/
`

func usage() {
	fmt.Println("Usage: rag-gateway [command] [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the gateway server (default)")
	fmt.Println("  health                        Check a running gateway")
	fmt.Println("  token --subject ID [--ttl D]  Mint a bearer token for a user")
	fmt.Println("  hash-admin-token TOKEN        Print the bcrypt hash for auth.admin_token_hash")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config PATH                  Config file (default $" + config.EnvConfigPath + " or XDG config dir)")
}

func main() {
	// A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "token":
		err = runToken(args)
	case "hash-admin-token":
		err = runHashAdminToken(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses the shared -config flag plus any extra flags the
// subcommand registered on fs.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	path := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	configPath := *path
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context, args []string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(flag.NewFlagSet("serve", flag.ExitOnError), args)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s ", cfg.Agent.Provider)
	cyan.Print(cfg.Agent.Model)
	if cfg.Agent.AzureEndpoint != "" {
		gray.Print(" (azure)")
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.AllowAnonymous {
		yellow.Println("    ! anonymous callers share one history")
	}

	fmt.Println()

	logger.Info("starting rag-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"provider", cfg.Agent.Provider,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig(flag.NewFlagSet("health", flag.ExitOnError), args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/history/ensure", cfg.Server.HTTPAddr)
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

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "", "user id the token identifies")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	if strings.TrimSpace(*subject) == "" {
		return fmt.Errorf("--subject is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHashAdminToken(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: rag-gateway hash-admin-token TOKEN")
	}
	hash, err := auth.HashAdminToken(args[0])
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
