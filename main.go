// Inventra: corporate asset inventory, collection agent + inventory server.
// Author: vesaa | License: MIT | https://github.com/vesaa/inventra
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/vesaa/inventra/internal/agent"
	"github.com/vesaa/inventra/internal/agentless"
	"github.com/vesaa/inventra/internal/config"
	"github.com/vesaa/inventra/internal/events"
	"github.com/vesaa/inventra/internal/server"
	"github.com/vesaa/inventra/internal/store"
)

const asciiLogo = `
 ██╗███╗   ██╗██╗   ██╗███████╗███╗   ██╗████████╗██████╗  █████╗
 ██║████╗  ██║██║   ██║██╔════╝████╗  ██║╚══██╔══╝██╔══██╗██╔══██╗
 ██║██╔██╗ ██║██║   ██║█████╗  ██╔██╗ ██║   ██║   ██████╔╝███████║
 ██║██║╚██╗██║╚██╗ ██╔╝██╔══╝  ██║╚██╗██║   ██║   ██╔══██╗██╔══██║
 ██║██║ ╚████║ ╚████╔╝ ███████╗██║ ╚████║   ██║   ██║  ██║██║  ██║
 ╚═╝╚═╝  ╚═══╝  ╚═══╝  ╚══════╝╚═╝  ╚═══╝   ╚═╝   ╚═╝  ╚═╝╚═╝  ╚═╝
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo)
	fmt.Printf("  ► Inventra %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "inventra",
		Short: "Inventra — corporate asset inventory",
		Long: `Inventra is a single-binary inventory system: an agent collects hardware,
OS and software facts from each workstation, and the server keeps one
record per machine with online and monthly-compliance status.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to config file (default ./config.yaml or ~/.inventra/config.yaml)")

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the inventory server (dual-port: 5080 control + 5000 data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if db, _ := cmd.Flags().GetString("db"); db != "" {
				cfg.DBPath = db
			}

			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer st.Close()

			pub, err := events.New(cfg)
			if err != nil {
				return fmt.Errorf("initializing events: %w", err)
			}
			defer pub.Close()

			gin.SetMode(gin.ReleaseMode)
			srv := server.New(cfg, st, pub)

			fmt.Printf("  ✓ Control plane (dashboard + JWT API) → http://%s:%d\n", cfg.ServerHost, cfg.ControlPort)
			fmt.Printf("  ✓ Data    plane (agent snapshots)     → http://%s:%d\n", cfg.ServerHost, cfg.DataPort)
			fmt.Printf("  ✓ Events: %s\n\n", orNone(cfg.EventsDriver))

			ctx, stop := signalContext()
			defer stop()
			return srv.Run(ctx)
		},
	}
	serverCmd.Flags().String("db", "", "SQLite database path (overrides config)")

	// ── agent subcommand ──────────────────────────────────────────────────────
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Collect this machine's inventory and send it to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyAgentFlags(cmd, cfg)
			if once, _ := cmd.Flags().GetBool("once"); once {
				cfg.AgentInterval = 0
			}
			if silent, _ := cmd.Flags().GetBool("silent"); !silent {
				printBanner("AGENT")
				fmt.Printf("  ✓ Server:   %s\n", cfg.AgentServerURL)
				fmt.Printf("  ✓ Backups:  %s\n", cfg.AgentBackupDir)
				if cfg.AgentInterval > 0 {
					fmt.Printf("  ✓ Interval: %s\n\n", cfg.AgentInterval)
				} else {
					fmt.Printf("  ✓ Mode:     one-shot\n\n")
				}
			}

			ctx, stop := signalContext()
			defer stop()
			return agent.Run(ctx, cfg)
		},
	}
	agentCmd.Flags().String("server", "", "Server data-plane URL, e.g. http://inventory.corp:5000")
	agentCmd.Flags().String("token", "", "Pre-shared token for server authentication (overrides config)")
	agentCmd.Flags().Duration("interval", 0, "Report interval; 0 runs once")
	agentCmd.Flags().Bool("once", false, "Collect and send a single snapshot, then exit (GPO / scheduled task)")
	agentCmd.Flags().Bool("silent", false, "Skip the banner")
	agentCmd.Flags().String("backup-dir", "", "Directory for snapshots that could not be sent")

	// ── collect-ssh subcommand ────────────────────────────────────────────────
	sshCmd := &cobra.Command{
		Use:   "collect-ssh",
		Short: "Collect a Windows host's inventory over SSH and send it to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyAgentFlags(cmd, cfg)

			host, _ := cmd.Flags().GetString("host")
			opts := agentless.Options{User: cfg.SSHUser}
			if u, _ := cmd.Flags().GetString("user"); u != "" {
				opts.User = u
			}
			opts.Password, _ = cmd.Flags().GetString("password")
			keyPath := cfg.SSHKeyPath
			if k, _ := cmd.Flags().GetString("key"); k != "" {
				keyPath = k
			}
			if keyPath != "" {
				pem, err := os.ReadFile(keyPath)
				if err != nil {
					return fmt.Errorf("reading SSH key: %w", err)
				}
				opts.KeyPEM = pem
			}

			hostKey := cfg.SSHHostKey
			if hk, _ := cmd.Flags().GetString("host-key"); hk != "" {
				hostKey = hk
			}
			if opts.HostKey, err = agentless.ParseHostKey(hostKey); err != nil {
				return err
			}
			if opts.HostKey == nil {
				fmt.Println("  ! No host key pinned (--host-key / ssh_host_key); accepting any server key")
			}

			ctx, stop := signalContext()
			defer stop()

			client, err := agentless.Dial(host, opts)
			if err != nil {
				return err
			}
			defer client.Close()

			doc, err := client.CollectSnapshot(ctx)
			if err != nil {
				return err
			}
			if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
				b, _ := json.MarshalIndent(doc, "", "  ")
				fmt.Println(string(b))
				return nil
			}
			return agent.New(cfg).Deliver(ctx, agent.MachineName(doc), doc)
		},
	}
	sshCmd.Flags().String("host", "", "Target host, e.g. 10.0.0.15 or pc-01.corp:22")
	sshCmd.Flags().String("user", "", "SSH user (overrides ssh_user)")
	sshCmd.Flags().String("password", "", "SSH password")
	sshCmd.Flags().String("key", "", "Path to a private key (overrides ssh_key_path)")
	sshCmd.Flags().String("host-key", "", `Expected host key, e.g. "ssh-ed25519 AAAA..." (overrides ssh_host_key)`)
	sshCmd.Flags().Bool("dry-run", false, "Print the collected snapshot instead of sending it")
	sshCmd.Flags().String("server", "", "Server data-plane URL")
	sshCmd.Flags().String("token", "", "Pre-shared token for server authentication")
	sshCmd.Flags().String("backup-dir", "", "Directory for snapshots that could not be sent")
	_ = sshCmd.MarkFlagRequired("host")

	// ── purge subcommand ──────────────────────────────────────────────────────
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete machines that have not reported for the given number of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			days, _ := cmd.Flags().GetInt("days")
			if days < 1 {
				return fmt.Errorf("--days must be >= 1")
			}
			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer st.Close()

			n, err := st.Purge(context.Background(), time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("  ✓ Purged %d machine(s) not seen for %d days\n", n, days)
			return nil
		},
	}
	purgeCmd.Flags().Int("days", 90, "Inactivity threshold in days")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print Inventra version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Inventra %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(serverCmd, agentCmd, sshCmd, purgeCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// applyAgentFlags lets CLI flags override config values.
func applyAgentFlags(cmd *cobra.Command, cfg *config.Config) {
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		cfg.AgentServerURL = s
	}
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		cfg.AgentOutboundToken = token
	}
	if dir, _ := cmd.Flags().GetString("backup-dir"); dir != "" {
		cfg.AgentBackupDir = dir
	}
	if cmd.Flags().Lookup("interval") != nil && cmd.Flags().Changed("interval") {
		cfg.AgentInterval, _ = cmd.Flags().GetDuration("interval")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
