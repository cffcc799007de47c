package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/gophercall/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("GopherCall Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. Voice service URL
		cfg.Voice.ServiceURL = prompt(scanner, "Voice service URL", cfg.Voice.ServiceURL)

		// 2. Voice API key
		cfg.Voice.APIKey = prompt(scanner, "Voice API key (cc_...)", cfg.Voice.APIKey)

		// 3. Responder mode
		cfg.Responder.Mode = prompt(scanner, "Responder mode (static or http)", cfg.Responder.Mode)
		if cfg.Responder.Mode == "http" {
			cfg.Responder.URL = prompt(scanner, "Responder URL", cfg.Responder.URL)
		} else {
			cfg.Responder.StaticReply = prompt(scanner, "Static reply line", cfg.Responder.StaticReply)
		}

		// 4. Telegram bot token (optional)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			chatIDStr := prompt(scanner, "Telegram chat ID", strconv.FormatInt(cfg.Telegram.ChatID, 10))
			if n, err := strconv.ParseInt(chatIDStr, 10, 64); err == nil {
				cfg.Telegram.ChatID = n
			}
		}

		// 5. Notification target
		notifyDefault := cfg.NotifyTarget
		if cfg.Telegram.Token != "" && notifyDefault == "log:" {
			notifyDefault = "telegram:"
		}
		cfg.NotifyTarget = prompt(scanner, "Notification target", notifyDefault)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
