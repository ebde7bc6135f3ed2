package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/huddle/internal/config"
)

// PromptInteractive asks for the settings a fresh client directory needs.
func PromptInteractive(in io.Reader, dir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("huddle setup")
	fmt.Printf(" Folder      : %s\n", dir)
	fmt.Printf(" Config file : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	cfg.Profile.Name = askString(r, "Display name", cfg.Profile.Name)
	cfg.Profile.Email = askString(r, "Email", cfg.Profile.Email)
	cfg.Profile.PhotoURL = askString(r, "Photo URL (empty=none)", cfg.Profile.PhotoURL)
	cfg.Hub.URL = askString(r, "Hub URL", cfg.Hub.URL)
	cfg.Hub.AppKey = askString(r, "App key", cfg.Hub.AppKey)
	if askBool(r, "Send silence instead of the microphone", cfg.Media.Mode == "silence") {
		cfg.Media.Mode = "silence"
	}
	cfg.Feed.Limit = askInt(r, "Messages to show", cfg.Feed.Limit)
	cfg.Viewer.HTTPAddr = askString(r, "Viewer HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Println("Please enter a number.")
	}
}

func askBool(in *bufio.Reader, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Printf("%s [y/n] (default=%s): ", label, defStr)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			fmt.Println("Please enter y or n.")
		}
	}
}
