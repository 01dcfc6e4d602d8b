// Command gateway is the single entry point: `gateway serve` runs the HTTP
// gateway, `gateway accounts` manages the credential pool, and
// `gateway migrate` applies the sqlite schema. Exit code 0 on clean
// shutdown, non-zero for configuration errors.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaygate/gateway/internal/backend"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/convo"
	"github.com/relaygate/gateway/internal/credential"
	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/router"
	"github.com/relaygate/gateway/internal/server"
	"github.com/relaygate/gateway/internal/server/handlers"
	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/internal/usage"
	gwredis "github.com/relaygate/gateway/pkg/redis"
)

func main() {
	root := &cobra.Command{
		Use:          "gateway",
		Short:        "Protocol-translation gateway for AI chat backends",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), accountsCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration: %w", err)
			}

			logs := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
			log := logs.For("startup")

			// Durable state is opt-in: a sqlite path enables the usage
			// ledger and the signature mirror; a redis url enables live
			// counters (and the mirror, when sqlite is absent).
			var (
				usageStore *storage.UsageStore
				statsStore *gwredis.StatsStore
				mirror     signature.Mirror
			)
			if cfg.StateSQLitePath != "" {
				db, err := storage.Open(cfg.StateSQLitePath)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := storage.Migrate(db); err != nil {
					return err
				}
				usageStore = storage.NewUsageStore(db)
				mirror = storage.NewSQLiteMirror(db)
			}
			if cfg.StateRedisURL != "" {
				rdb, err := gwredis.NewClient(cfg.StateRedisURL)
				if err != nil {
					log.Warn().Err(err).Msg("redis unavailable, continuing in-memory")
				} else {
					defer rdb.Close()
					statsStore = gwredis.NewStatsStore(rdb)
					if mirror == nil {
						mirror = signature.NewRedisMirror(rdb)
					}
				}
			}

			store := signature.InitGlobal(mirror)

			creds := credential.NewManagerWithStrategy(cfg.CredentialStrategy, 0, cfg.CallsPerRotation, map[string][]string{
				"claude": {"gemini"},
			})
			fileCreds, err := credential.LoadDir(cfg.CredentialDir)
			if err != nil {
				return err
			}
			for _, c := range fileCreds {
				creds.Add(c)
			}
			for _, b := range cfg.Backends {
				for _, c := range credential.FromAPIKeys(b.Key, familyOf(b.APIFormat), b.APIKeys) {
					creds.Add(c)
				}
			}

			httpClient := backend.NewHTTPClient(cfg.Proxy, cfg.GoogleAPIsProxyURL, time.Duration(config.DefaultTimeoutS)*time.Second)
			rtr := router.New(cfg, creds, store, httpClient, nil)
			convoMgr := convo.New(0)

			recorder := usage.New(usageStore, statsStore)
			recorder.Initialize()
			defer recorder.Shutdown()

			pipe := &handlers.Pipeline{
				Cfg:    cfg,
				Router: rtr,
				Convo:  convoMgr,
				Store:  store,
				Usage:  recorder,
			}
			srv := server.New(cfg, pipe, logs, usageStore)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go sweepLoop(ctx, store, convoMgr)

			return srv.Run(ctx)
		},
	}
}

// sweepLoop runs the periodic expiry passes for the in-memory stores.
func sweepLoop(ctx context.Context, store *signature.Store, convoMgr *convo.Manager) {
	log := logging.For("sweeper")
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.CleanupExpired(); n > 0 {
				log.Debug().Int("entries", n).Msg("pruned expired signatures")
			}
			if n := convoMgr.CleanupExpired(); n > 0 {
				log.Debug().Int("conversations", n).Msg("pruned expired conversations")
			}
		}
	}
}

func familyOf(apiFormat string) string {
	switch apiFormat {
	case "anthropic":
		return "claude"
	case "gemini":
		return "gemini"
	default:
		return "openai"
	}
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and manage the credential pool",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List credential identity files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			creds, err := credential.LoadDir(cfg.CredentialDir)
			if err != nil {
				return err
			}
			if len(creds) == 0 {
				fmt.Println("no credentials found in", cfg.CredentialDir)
				return nil
			}
			for _, c := range creds {
				status := "enabled"
				if c.Disabled {
					status = "disabled"
				}
				fmt.Printf("%-24s backend=%-12s family=%-8s %s\n", c.ID, c.Backend, c.Family, status)
			}
			return nil
		},
	}

	var (
		addID      string
		addBackend string
		addFamily  string
		addToken   string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a credential from an already-obtained access token",
		Long: "Registers a credential identity file. The OAuth login handshake " +
			"that obtains the token happens outside the gateway; this records " +
			"its result for serve to load.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addID == "" || addBackend == "" || addToken == "" {
				return fmt.Errorf("--id, --backend, and --token are required")
			}
			cfg := config.Load()
			c := credential.NewCredential(addID, addBackend, addFamily, addToken)
			if err := credential.SaveFile(cfg.CredentialDir, c); err != nil {
				return err
			}
			fmt.Printf("wrote %s/%s.json\n", cfg.CredentialDir, addID)
			return nil
		},
	}
	add.Flags().StringVar(&addID, "id", "", "credential identity name")
	add.Flags().StringVar(&addBackend, "backend", "", "backend key this credential authenticates against")
	add.Flags().StringVar(&addFamily, "family", "", "model family (claude/gemini/openai)")
	add.Flags().StringVar(&addToken, "token", "", "access token")

	cmd.AddCommand(list, add)
	return cmd
}

func migrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply sqlite schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = config.Load().StateSQLitePath
			}
			if dbPath == "" {
				return fmt.Errorf("no database: set --db or STATE_SQLITE_PATH")
			}
			db, err := storage.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := storage.Migrate(db); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path")
	return cmd
}
