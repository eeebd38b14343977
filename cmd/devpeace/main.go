// Package main provides the entry point for devpeace.
//
// devpeace is a background service that watches local git repositories,
// derives issue keys from branch names, tracks work sessions, and syncs
// worklogs to Jira.
//
// Usage:
//
//	devpeace                        Start the service (default)
//	devpeace serve                  Start the service
//	devpeace version                Show version
//	devpeace status                 Show service status
//	devpeace stop                   Stop the running service
//	devpeace add <path>             Register a repository with a running service
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/devpeace/devpeace/internal/api"
	"github.com/devpeace/devpeace/internal/config"
	"github.com/devpeace/devpeace/internal/daemon"
	"github.com/devpeace/devpeace/internal/logger"
	"github.com/devpeace/devpeace/internal/store"
)

// version is set via -ldflags at build time
var version = "dev"

func main() {
	api.SetVersion(version)

	if len(os.Args) < 2 {
		// Default: start service
		if err := cmdServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "serve", "start":
		err = cmdServe()
	case "version", "-v", "--version":
		cmdVersion()
	case "status":
		err = cmdStatus()
	case "stop":
		err = cmdStop()
	case "add":
		err = cmdAdd()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`devpeace - Automatic work tracking for git repositories

Usage:
  devpeace [command]

Commands:
  serve         Start the service (default)
  version       Show version information
  status        Show service status
  stop          Stop the running service
  add <path>    Register a repository with the running service
  help          Show this help

Configuration:
  Config file: ~/.devpeace/config.yaml (or $APPDATA/devpeace on Windows)

Examples:
  devpeace                      Start the service
  devpeace add ~/src/myproject  Watch a repository
  curl localhost:8574/status    Check tracking status
  curl localhost:8574/orphans   List sessions without an issue key`)
}

func cmdVersion() {
	fmt.Printf("devpeace version %s\n", version)
}

func cmdServe() error {
	configPath := config.DefaultConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if running, pid := daemon.IsRunning(cfg); running {
		return fmt.Errorf("service already running (PID %d)", pid)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	logger.Setup(cfg)
	defer logger.Stop()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	orch := daemon.New(cfg, configPath, st)

	var handler http.Handler
	if cfg.API.Enabled {
		handler = api.NewServer(cfg, orch).Handler()
	}

	d := daemon.NewDaemon(cfg)
	if err := d.Start(handler); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	orchDone := make(chan error, 1)
	go func() {
		orchDone <- orch.Run(ctx)
	}()

	fmt.Printf("devpeace v%s started on %s\n", version, cfg.Address())
	if !cfg.JiraConfigured() {
		fmt.Println("Jira credentials not configured; worklogs will queue until they are")
	}

	// Wait for shutdown signal
	d.Wait()

	cancel()
	if err := <-orchDone; err != nil {
		return err
	}

	return nil
}

func cmdStatus() error {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	running, pid := daemon.IsRunning(cfg)
	if !running {
		fmt.Println("devpeace: stopped")
		return nil
	}

	fmt.Printf("devpeace: running (PID %d)\n", pid)
	fmt.Printf("Address: %s\n", cfg.Address())

	if !cfg.API.Enabled {
		return nil
	}

	body, err := apiGet(cfg, "/status")
	if err != nil {
		return nil // daemon is up, API just unreachable
	}

	var st struct {
		Watching    bool `json:"watching"`
		Repos       int  `json:"repos"`
		Pending     int  `json:"pending"`
		Failed      int  `json:"failed"`
		NeedsReview int  `json:"needs_review"`
		Orphans     int  `json:"orphans"`
		AuthBlocked bool `json:"auth_blocked"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return nil
	}

	fmt.Printf("Watching: %v (%d repos)\n", st.Watching, st.Repos)
	fmt.Printf("Worklogs: %d pending, %d failed, %d need review\n", st.Pending, st.Failed, st.NeedsReview)
	if st.Orphans > 0 {
		fmt.Printf("Orphans: %d sessions need an issue key\n", st.Orphans)
	}
	if st.AuthBlocked {
		fmt.Println("Submissions held: Jira rejected the configured credentials")
	}

	return nil
}

func cmdStop() error {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	running, pid := daemon.IsRunning(cfg)
	if !running {
		fmt.Println("devpeace is not running")
		return nil
	}

	fmt.Printf("Stopping devpeace (PID %d)...\n", pid)
	if err := daemon.StopRunning(cfg); err != nil {
		return err
	}

	fmt.Println("devpeace stopped")
	return nil
}

func cmdAdd() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: devpeace add <path>")
	}

	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if running, _ := daemon.IsRunning(cfg); !running {
		return fmt.Errorf("devpeace is not running, start it first")
	}

	payload, _ := json.Marshal(map[string]string{"path": os.Args[2]})
	body, err := apiPost(cfg, "/repos", payload)
	if err != nil {
		return err
	}

	var repo struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(body, &repo); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	fmt.Printf("Watching %s (%s)\n", repo.Name, repo.Path)
	return nil
}

func apiGet(cfg *config.Config, path string) ([]byte, error) {
	return apiDo(cfg, http.MethodGet, path, nil)
}

func apiPost(cfg *config.Config, path string, payload []byte) ([]byte, error) {
	return apiDo(cfg, http.MethodPost, path, payload)
}

func apiDo(cfg *config.Config, method, path string, payload []byte) ([]byte, error) {
	url := fmt.Sprintf("http://%s%s", cfg.Address(), path)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.API.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.API.APIKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s", apiErr.Error)
		}
		return nil, fmt.Errorf("request failed: %s", resp.Status)
	}

	return data, nil
}
