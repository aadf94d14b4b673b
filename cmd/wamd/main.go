// Command wamd manages a linked device: its keys, its connection to the
// chat server and the local status API.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/config"
	"github.com/ZentaChain/wamd/pkg/keystore"
	"github.com/ZentaChain/wamd/pkg/log"
	"github.com/ZentaChain/wamd/pkg/storage"
)

var (
	Version = "dev"
	Commit  = "none"
)

type globalFlags struct {
	configPath string
	dataDir    string
	dbPath     string
	logLevel   string
	debug      bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "wamd",
		Short:         "Multi-device chat client",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to YAML config file")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Data directory (overrides config)")
	pf.StringVar(&flags.dbPath, "db", "", "Device database path (overrides config)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&flags.debug, "debug", false, "Enable development logging at debug level")

	rootCmd.AddCommand(
		newKeysCmd(&flags),
		newConnectCmd(&flags),
		newDecodeCmd(),
	)

	err := rootCmd.Execute()
	log.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file and applies command line overrides, then
// initializes logging.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
		if flags.dbPath == "" && os.Getenv("WAMD_DB_PATH") == "" {
			cfg.DBPath = ""
		}
	}
	if flags.dbPath != "" {
		cfg.DBPath = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.debug {
		cfg.LogLevel = "debug"
		cfg.LogDevelopment = true
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "device.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := log.Init(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openDevice opens the device database and restores its key store. When no
// key store exists and create is set, a new one is generated and saved.
func openDevice(cfg *config.Config, create bool) (*storage.DeviceDB, *keystore.KeyStore, error) {
	db, err := storage.NewDeviceDB(cfg.DBPath, cfg.DBPassphrase)
	if err != nil {
		return nil, nil, err
	}

	st, err := db.LoadKeyStore()
	switch {
	case err == nil:
		ks, err := keystore.Restore(*st)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to restore key store: %w", err)
		}
		return db, ks, nil
	case errors.Is(err, storage.ErrNotFound) && create:
		ks, err := keystore.Generate()
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if err := db.SaveKeyStore(ks.Snapshot()); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("generated new device keys", zap.Uint16("registration_id", ks.RegistrationID()))
		return db, ks, nil
	case errors.Is(err, storage.ErrNotFound):
		db.Close()
		return nil, nil, fmt.Errorf("no device keys in %s, run 'wamd keys init' first", cfg.DBPath)
	default:
		db.Close()
		return nil, nil, err
	}
}
