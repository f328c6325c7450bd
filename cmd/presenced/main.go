package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sparklost/presenced/internal/config"
	"github.com/sparklost/presenced/internal/daemon"
	"github.com/sparklost/presenced/internal/logger"
)

var version = "dev"

func main() {
	var configDir string

	root := &cobra.Command{
		Use:   "presenced",
		Short: "presenced — headless Discord presence bridge",
		Long:  "Maintains your Discord presence without a running client: rich presence over the local IPC socket, game detection, and custom status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDir(configDir)
			if err != nil {
				return err
			}
			cfg, err := config.Load(config.FilePath(dir))
			if err != nil {
				return fmt.Errorf("load config (run `presenced init` first): %w", err)
			}
			if err := logger.Init(cfg.LogLevel, filepath.Join(dir, "presenced.log")); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return daemon.New(cfg, dir).Run(ctx)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "data directory (default: platform-specific)")

	root.AddCommand(
		initCmd(&configDir),
		detectedCmd(&configDir),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func dataDir(override string) (string, error) {
	if override != "" {
		if err := os.MkdirAll(override, 0755); err != nil {
			return "", err
		}
		return override, nil
	}
	return config.EnsureDir()
}

func initCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and write a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDir(*configDir)
			if err != nil {
				return err
			}
			path := config.FilePath(dir)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}

			cfg := config.Default()
			cfg.Token, err = promptToken()
			if err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func promptToken() (string, error) {
	fmt.Print("Discord token (input hidden): ")
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; set the token in config.json or DISCORD_TOKEN")
	}
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

func detectedCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "detected",
		Short: "List games the detection cache has identified",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDir(*configDir)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(dir, "detected_apps_cache.json"))
			if os.IsNotExist(err) {
				fmt.Println("no games detected yet")
				return nil
			}
			if err != nil {
				return err
			}
			var cache map[string]struct {
				AppID   string `json:"app_id"`
				AppName string `json:"app_name"`
			}
			if err := json.Unmarshal(data, &cache); err != nil {
				return fmt.Errorf("detection cache unreadable: %w", err)
			}

			type game struct{ id, name string }
			seen := map[string]bool{}
			var games []game
			for _, e := range cache {
				if e.AppID == "" || seen[e.AppID] {
					continue
				}
				seen[e.AppID] = true
				games = append(games, game{e.AppID, e.AppName})
			}
			sort.Slice(games, func(i, j int) bool { return games[i].name < games[j].name })

			if len(games) == 0 {
				fmt.Println("no games detected yet")
				return nil
			}
			for _, g := range games {
				fmt.Printf("%-20s %s\n", g.id, g.name)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("presenced", version)
		},
	}
}
