package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wasnet/wasnet/internal/settings"
	"github.com/wasnet/wasnet/internal/update"
)

func runVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	check := fs.Bool("check", false, "Check the release feed for a newer version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Printf("wasnet %s\n", Version)

	if !*check {
		return nil
	}

	path, err := settings.DefaultPath()
	if err != nil {
		return fmt.Errorf("locate settings: %w", err)
	}
	s, err := settings.Load(path)
	if err != nil {
		return err
	}
	if !s.UpdateNotificationsEnabled {
		fmt.Println("update notifications are disabled; enable with: config set update-notifications.enabled true")
		return nil
	}

	client, err := s.HTTPClient()
	if err != nil {
		return fmt.Errorf("proxy configuration: %w", err)
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return fmt.Errorf("locate cache: %w", err)
	}

	checker := update.NewChecker(Version, filepath.Join(cacheDir, "wasnet"))
	checker.SetClient(client)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status := checker.Check(ctx)
	if status.Error != nil {
		return fmt.Errorf("update check: %w", status.Error)
	}

	if status.Available {
		fmt.Printf("newer version available: %s\n", status.LatestVersion)
		fmt.Printf("  %s\n", status.ReleaseURL)
	} else {
		fmt.Println("up to date")
	}
	return nil
}
