package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Shelf/internal/config"
	"github.com/CZERTAINLY/Shelf/internal/log"
)

var (
	userConfigPath string // /default/config/path/shelf on given OS
	configPath     string // actual config file used (if loaded)
	cfg            config.Config
	logCloser      io.Closer

	flagConfigFilePath string
	flagVerbose        bool
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "shelf")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is shelf.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	rootCmd.PersistentPreRunE = initShelf
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}

	thumbnailCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "PNG file to write, default is stdout")
	thumbnailCmd.Flags().IntVar(&flagPage, "page", 0, "page to render")
	thumbnailCmd.Flags().IntVar(&flagRotation, "rotation", 0, "clockwise rotation in degrees")
	thumbnailCmd.Flags().IntVar(&flagSize, "size", 0, "icon size, default is library.icon_size")
	watchCmd.Flags().BoolVar(&flagPrune, "prune", false, "remove unreferenced thumbnails on start")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(thumbnailCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("shelf failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "shelf",
	Short:        "Document library with cached thumbnails",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a shelf",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("shelf: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("shelf:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
	},
}

func initShelf(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if envConfig, ok := os.LookupEnv("SHELFCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "shelf.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		var err error
		cfg = config.DefaultConfig(cmd.Context())
		configPath, err = storeDefault(cfg)
		if err != nil {
			return err
		}
	} else {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Service.Verbose = true
	}

	logger, closer, err := log.New(cfg.Service.Verbose, cfg.Service.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logCloser = closer

	slog.Debug("shelf run", "configPath", configPath)
	slog.Debug("shelf run", "config", cfg)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	loaded, err := config.LoadConfig(f)
	if err != nil {
		for _, d := range config.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return loaded, nil
}

func storeDefault(c config.Config) (string, error) {
	path := filepath.Join(userConfigPath, "shelf.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := yaml.NewEncoder(f).Encode(c); err != nil {
		return "", fmt.Errorf("storing configuration: %w", err)
	}
	return path, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
