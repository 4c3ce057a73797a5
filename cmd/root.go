package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"davmirror/pkg/dav"
	"davmirror/pkg/meta"
	"davmirror/pkg/mirror"
)

// metaDBName is the resource metadata database under the overlay root.
const metaDBName = "meta.db"

var (
	addr        string
	configPath  string
	interactive bool
)

// errUsage marks an argument-count failure; Execute turns it into the
// usage line on stderr and exit status 255.
var errUsage = errors.New("usage: davmirror <source_root> <overlay_root>")

var RootCmd = &cobra.Command{
	Use:   "davmirror <source_root> <overlay_root>",
	Short: "Serve a read-only tree as a writable WebDAV share",
	Long: `Presents a read-write WebDAV view of a read-only source tree.
Writes, renames and deletes are captured in the overlay directory while
the source is left untouched.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return errUsage
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(args[0], args[1])
	},
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(255)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	RootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
}

// openRepository builds the repository shared by every command.
func openRepository(sourceRoot, overlayRoot string) (*mirror.Repository, error) {
	return mirror.Open(mirror.Config{
		SourceRoot:  sourceRoot,
		OverlayRoot: overlayRoot,
	})
}

func runServe(sourceRoot, overlayRoot string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	initLogging(cfg.LogLevel)
	if addr != "" {
		cfg.Addr = addr
	}

	repo, err := openRepository(sourceRoot, overlayRoot)
	if err != nil {
		return err
	}
	defer repo.Close()

	dbPath, err := mirror.Join("/", repo.OverlayRoot(), metaDBName)
	if err != nil {
		return err
	}
	store, err := meta.Open(meta.DefaultConfig(dbPath))
	if err != nil {
		return err
	}
	defer store.Close()

	locks, err := meta.NewLockSystem(context.Background(), store)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: dav.NewHandler(repo, store, locks),
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	slog.Info("serving webdav", "addr", cfg.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
