// Package cmd wires the tile server components behind the CLI.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alkmaps/rastertiled/internal/cache"
	"github.com/alkmaps/rastertiled/internal/engine"
	"github.com/alkmaps/rastertiled/internal/loader"
	"github.com/alkmaps/rastertiled/internal/render"
	"github.com/alkmaps/rastertiled/internal/server"
	"github.com/alkmaps/rastertiled/internal/store"
	"github.com/alkmaps/rastertiled/internal/upstream"
)

var (
	cfgFile string
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rastertiled",
	Short: "A raster tile server for vector map styles",
	Long: `rastertiled serves slippy-map raster tiles rendered from a vector map
style. Rendered tiles are cached in an embedded database and reused
aggressively; upstream style and tile resources are cached separately.`,
	SilenceUsage: false,
	RunE:         runServe,
}

// Execute runs the root command. Configuration errors print the message
// and usage text and exit 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.Flags().StringP("style", "s", "", "Style URL (non-URL values are treated as file paths)")
	rootCmd.Flags().IntP("tile-size", "z", 512, "Tile size in pixels (256 or 512)")
	rootCmd.Flags().IntP("port", "p", 11000, "HTTP port")
	rootCmd.Flags().StringP("bind", "b", "0.0.0.0", "IP address to which to bind the server")
	rootCmd.Flags().IntP("server-threads", "t", 1, "Number of render workers (<=0: number of CPUs)")
	rootCmd.Flags().IntP("render-threads", "T", 4, "Number of upstream fetch workers")
	rootCmd.Flags().StringP("raster-cache", "r", "raster.cache", "Raster tile cache file")
	rootCmd.Flags().IntP("raster-cache-limit", "R", 1024, "Raster cache limit (MiB)")
	rootCmd.Flags().StringP("vector-cache", "v", "vector.cache", "Vector tile cache file")
	rootCmd.Flags().IntP("vector-cache-limit", "V", 1024, "Vector cache limit (MiB)")
	rootCmd.Flags().StringP("asset-root", "a", ".", "Directory to which asset:// URLs resolve")
	rootCmd.Flags().StringP("name", "n", "Raster Render Server", "Server name reported by /stats")
	rootCmd.Flags().Bool("verbose", false, "Enable verbose logging")

	if err := rootCmd.MarkFlagRequired("style"); err != nil {
		panic(fmt.Sprintf("failed to mark flag required: %v", err))
	}

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, rootCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("style", "style")
	mustBind("tile_size", "tile-size")
	mustBind("port", "port")
	mustBind("bind", "bind")
	mustBind("server_threads", "server-threads")
	mustBind("render_threads", "render-threads")
	mustBind("raster_cache", "raster-cache")
	mustBind("raster_cache_limit", "raster-cache-limit")
	mustBind("vector_cache", "vector-cache")
	mustBind("vector_cache_limit", "vector-cache-limit")
	mustBind("asset_root", "asset-root")
	mustBind("name", "name")
	mustBind("verbose", "verbose")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("RASTERTILED")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	styleURL := engine.NormalizeStyleURL(viper.GetString("style"))
	tileSize := viper.GetInt("tile_size")
	port := viper.GetInt("port")
	bind := viper.GetString("bind")
	serverThreads := viper.GetInt("server_threads")
	renderThreads := viper.GetInt("render_threads")
	rasterCacheFile := viper.GetString("raster_cache")
	rasterCacheLimit := int64(viper.GetInt("raster_cache_limit")) * 1024 * 1024
	vectorCacheFile := viper.GetString("vector_cache")
	vectorCacheLimit := int64(viper.GetInt("vector_cache_limit")) * 1024 * 1024
	assetRoot := viper.GetString("asset_root")
	name := viper.GetString("name")

	if tileSize != 256 && tileSize != 512 {
		return fmt.Errorf("tile size must be 256 or 512, got %d", tileSize)
	}
	if serverThreads <= 0 {
		serverThreads = runtime.NumCPU()
	}
	pixelRatio := 1.0
	if tileSize >= 512 {
		pixelRatio = 2.0
	}

	rasterStore, err := store.Open(rasterCacheFile, rasterCacheLimit, logger)
	if err != nil {
		return fmt.Errorf("failed to open raster cache: %w", err)
	}
	defer rasterStore.Close()

	vectorStore, err := store.Open(vectorCacheFile, vectorCacheLimit, logger)
	if err != nil {
		return fmt.Errorf("failed to open vector cache: %w", err)
	}
	defer vectorStore.Close()

	vectorSource := upstream.NewVectorSource(vectorStore, assetRoot, renderThreads, logger)

	stylePath, cleanupStyle, err := resolveStyle(styleURL, vectorSource)
	if err != nil {
		return fmt.Errorf("failed to resolve style %q: %w", styleURL, err)
	}
	defer cleanupStyle()

	rasterCache, err := cache.NewRasterCache(rasterStore, 0, logger)
	if err != nil {
		return fmt.Errorf("failed to init raster cache: %w", err)
	}

	pool := render.NewPool(serverThreads, tileSize, func() (render.Renderer, error) {
		return engine.NewMapRenderer(stylePath, tileSize, pixelRatio)
	}, logger)
	defer pool.Close()

	tileLoader := loader.New(rasterCache, pool, pixelRatio, logger)

	srv := server.New(server.Config{Name: name, Bind: bind, Port: port}, tileLoader, pool, rasterStore, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("serving tiles",
		"style", styleURL,
		"tile_size", tileSize,
		"workers", serverThreads,
		"bind", bind,
		"port", port,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
