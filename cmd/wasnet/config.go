package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/wasnet/wasnet/internal/settings"
	"golang.org/x/term"
)

func runConfig(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: config get <key> | config set <key> [value]")
	}

	path, err := settings.DefaultPath()
	if err != nil {
		return fmt.Errorf("locate settings: %w", err)
	}

	switch args[0] {
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: config get <key>")
		}
		return configGet(path, args[1])
	case "set":
		if len(args) < 2 {
			return fmt.Errorf("usage: config set <key> [value]")
		}
		return configSet(path, args[1], args[2:])
	default:
		return fmt.Errorf("unknown config subcommand: %s", args[0])
	}
}

func configGet(path, key string) error {
	s, err := settings.Load(path)
	if err != nil {
		return err
	}

	switch key {
	case "config.path":
		fmt.Println(path)
	case "registry.url":
		fmt.Println(s.CurrentRegistry())
	case "registry.token":
		// Prints nothing when not logged in to the active registry.
		if token := s.TokenFor(s.CurrentRegistry()); token != "" {
			fmt.Println(token)
		}
	case "telemetry.enabled":
		fmt.Println(s.TelemetryEnabled)
	case "update-notifications.enabled":
		fmt.Println(s.UpdateNotificationsEnabled)
	case "proxy.url":
		if s.Proxy.URL != "" {
			fmt.Println(s.Proxy.URL)
		}
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}

	return nil
}

func configSet(path, key string, values []string) error {
	s, err := settings.Load(path)
	if err != nil {
		return err
	}

	var value string
	if len(values) > 0 {
		value = values[0]
	}

	switch key {
	case "registry.url":
		if value == "" {
			return fmt.Errorf("registry.url requires a value")
		}
		s.SetCurrentRegistry(value)
	case "registry.token":
		if value == "" {
			value, err = readToken()
			if err != nil {
				return err
			}
		}
		s.SetToken(s.CurrentRegistry(), value)
	case "telemetry.enabled":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("telemetry.enabled wants true or false")
		}
		s.TelemetryEnabled = enabled
	case "update-notifications.enabled":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("update-notifications.enabled wants true or false")
		}
		s.UpdateNotificationsEnabled = enabled
	case "proxy.url":
		// An empty value unsets the proxy.
		s.Proxy.URL = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}

	return s.Save(path)
}

// readToken prompts for a registry token without echoing it.
func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("registry.token requires a value when stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, "Token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}
