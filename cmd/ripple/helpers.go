package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	ripple "github.com/ripple-hq/ripple/sdk/golang"
)

// cliLogger returns a logger honoring the --verbose flag.
func cliLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// getClient creates a Ripple client authenticated with the stored token.
// RIPPLE_TOKEN and RIPPLE_BASE_URL override the config file.
func getClient() *ripple.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	token := cfg.Default.Token
	if env := os.Getenv("RIPPLE_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'ripple init <token>' first.")
		os.Exit(1)
	}

	baseURL := cfg.Default.BaseURL
	if env := os.Getenv("RIPPLE_BASE_URL"); env != "" {
		baseURL = env
	}

	opts := []ripple.ClientOption{ripple.WithLogger(cliLogger())}
	if baseURL != "" {
		opts = append(opts, ripple.WithBaseURL(baseURL))
	}

	return ripple.NewClient(token, opts...)
}

// offlineDBPath returns the queue database location, honoring the
// offline.db_path config override.
func offlineDBPath() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Offline.DBPath != "" {
		return cfg.Offline.DBPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "offline.db"), nil
}

// getManager opens the local queue and wires an OfflineManager around the
// authenticated client. The returned cleanup closes the manager and store.
func getManager() (*ripple.OfflineManager, func()) {
	client := getClient()

	dbPath, err := offlineDBPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve queue path: %v\n", err)
		os.Exit(1)
	}
	store, err := ripple.NewSQLiteStorage(dbPath, cliLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open local queue: %v\n", err)
		os.Exit(1)
	}

	mgr := ripple.NewOfflineManager(store, client, &ripple.OfflineOptions{Logger: cliLogger()})
	cleanup := func() {
		mgr.Close()
		_ = store.Close()
	}
	return mgr, cleanup
}
