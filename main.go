// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/petervdpas/huddle/internal/app"
	"github.com/petervdpas/huddle/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	signUp   = flag.Bool("signup", false, "Create the account before signing in (client)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("huddle v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Ignoring .env: %v", err)
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "serve":
		runServe(args[1])
	case "client":
		runClient(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// resolveDir returns the absolute directory, creating it when missing.
func resolveDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create directory %s: %v", absDir, err)
	}
	return absDir
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runServe(dirArg string) {
	absDir := resolveDir(dirArg)
	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	secret := os.Getenv("HUDDLE_JWT_SECRET")
	if secret == "" {
		log.Fatal("HUDDLE_JWT_SECRET must be set (environment or .env)")
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunHub(ctx, app.HubOptions{
		Dir:         absDir,
		CfgPath:     cfgPath,
		Cfg:         cfg,
		JWTSecret:   secret,
		S3AccessKey: os.Getenv("HUDDLE_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("HUDDLE_S3_SECRET_KEY"),
	}); err != nil {
		log.Fatalf("Hub failed: %v", err)
	}
}

func runClient(dirArg string) {
	absDir := resolveDir(dirArg)
	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if created && interactive {
		cfg = app.PromptInteractive(os.Stdin, absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
	}

	password := os.Getenv("HUDDLE_PASSWORD")
	if password == "" {
		if !interactive {
			log.Fatal("HUDDLE_PASSWORD must be set when stdin is not a terminal")
		}
		password = readPassword(cfg.Profile.Email)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		Dir:      absDir,
		CfgPath:  cfgPath,
		Cfg:      cfg,
		Password: password,
		SignUp:   *signUp,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func readPassword(email string) string {
	fmt.Printf("Password for %s: ", email)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		log.Fatalf("Failed to read password: %v", err)
	}
	return strings.TrimSpace(string(b))
}

func showUsage() {
	fmt.Println("huddle - group chat with peer-to-peer voice calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle serve <directory>             Run the hub")
	fmt.Println("  huddle [-signup] client <directory>  Run the terminal client")
	fmt.Println()
	fmt.Println("Each directory holds a huddle.json config file; a default one is")
	fmt.Println("written on first use.")
	fmt.Println()
	fmt.Println("Environment (or .env in the working directory):")
	fmt.Println("  HUDDLE_JWT_SECRET      token signing secret (serve, required)")
	fmt.Println("  HUDDLE_S3_ACCESS_KEY   image bucket credentials (serve)")
	fmt.Println("  HUDDLE_S3_SECRET_KEY")
	fmt.Println("  HUDDLE_PASSWORD        account password (client; prompted if unset)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -signup   Create the account on first sign-in")
}
