package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/httpserver"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/credit"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL  = "database-url"
	flagListenAddr   = "listen-addr"
	flagStoreBackend = "store-backend"
	flagConfigFile   = "config"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyStoreBackend   = "store_backend"
	configKeyConfigFile     = "config_file"
	configKeySigningKey     = "auth_signing_key"
	configKeyIssuer         = "auth_issuer"
	configKeyAllowedOrigins = "allowed_origins"

	defaultDatabaseURL  = "sqlite:///tmp/creditmeter.db"
	defaultListenAddr   = ":8080"
	defaultStoreBackend = backendGorm

	backendGorm = "gorm"
	backendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	StoreBackend   string
	ConfigFile     string
	SigningKey     string
	Issuer         string
	AllowedOrigins []string
}

type actionSeed struct {
	Name string `mapstructure:"name"`
	Cost int64  `mapstructure:"cost"`
}

type planSeed struct {
	ID           string `mapstructure:"id"`
	MonthlyLimit *int64 `mapstructure:"monthly_limit"`
	DailyLimit   *int64 `mapstructure:"daily_limit"`
}

type seedConfig struct {
	Actions []actionSeed `mapstructure:"actions"`
	Plans   []planSeed   `mapstructure:"plans"`
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit quota and audit trail HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStoreBackend, defaultStoreBackend, "storage backend: gorm or pgx")
	cmd.Flags().String(flagConfigFile, "", "optional YAML file with action catalog and plan limits")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyStoreBackend:   "STORE_BACKEND",
		configKeyConfigFile:     "CONFIG_FILE",
		configKeySigningKey:     "AUTH_SIGNING_KEY",
		configKeyIssuer:         "AUTH_ISSUER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:  flagDatabaseURL,
		configKeyListenAddr:   flagListenAddr,
		configKeyStoreBackend: flagStoreBackend,
		configKeyConfigFile:   flagConfigFile,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	cfg.ConfigFile = viper.GetString(configKeyConfigFile)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.Issuer = viper.GetString(configKeyIssuer)
	if origins := viper.GetString(configKeyAllowedOrigins); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}

	switch cfg.StoreBackend {
	case backendGorm, backendPgx:
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == backendPgx && !strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		return fmt.Errorf("pgx backend requires a postgres database url")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	seeds, err := loadSeedConfig(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("seed config: %w", err)
	}

	var store credit.Store
	switch cfg.StoreBackend {
	case backendPgx:
		pool, poolErr := pgxpool.New(ctx, cfg.DatabaseURL)
		if poolErr != nil {
			return fmt.Errorf("pgx pool: %w", poolErr)
		}
		defer pool.Close()
		if len(seeds.Actions) > 0 || len(seeds.Plans) > 0 {
			logger.Warn("seed config ignored on pgx backend; manage the catalog with schema migrations")
		}
		store = pgstore.New(pool)
	default:
		gormDB, cleanup, driver, openErr := openDatabase(ctx, cfg.DatabaseURL)
		if openErr != nil {
			return fmt.Errorf("database open: %w", openErr)
		}
		defer cleanup()
		gormStore := gormstore.New(gormDB)
		if driver == "sqlite" {
			if err := gormstore.Migrate(gormDB); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
		}
		if err := applySeeds(ctx, gormStore, seeds); err != nil {
			return fmt.Errorf("apply seeds: %w", err)
		}
		store = gormStore
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credit.NewService(store, clock, credit.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		SigningKey:     cfg.SigningKey,
		Issuer:         cfg.Issuer,
	}, service, logger)
}

func loadSeedConfig(path string) (seedConfig, error) {
	var seeds seedConfig
	if path == "" {
		return seeds, nil
	}
	loader := viper.New()
	loader.SetConfigFile(path)
	if err := loader.ReadInConfig(); err != nil {
		return seeds, err
	}
	if err := loader.Unmarshal(&seeds); err != nil {
		return seeds, err
	}
	return seeds, nil
}

func applySeeds(ctx context.Context, store *gormstore.Store, seeds seedConfig) error {
	for _, action := range seeds.Actions {
		if action.Name == "" {
			return fmt.Errorf("action seed missing name")
		}
		if err := store.SeedAction(ctx, action.Name, action.Cost); err != nil {
			return err
		}
	}
	for _, plan := range seeds.Plans {
		if plan.ID == "" {
			return fmt.Errorf("plan seed missing id")
		}
		if err := store.SeedPlanLimits(ctx, plan.ID, plan.MonthlyLimit, plan.DailyLimit); err != nil {
			return err
		}
	}
	return nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditmeter.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
