package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	davfs "davmirror/pkg/fs"
)

var mountCmd = &cobra.Command{
	Use:   "mount <source_root> <overlay_root> <mountpoint>",
	Short: "Mount the fused view as a FUSE filesystem",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(args[0], args[1], args[2])
	},
}

func init() {
	RootCmd.AddCommand(mountCmd)
}

func runMount(sourceRoot, overlayRoot, mountPoint string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	initLogging(cfg.LogLevel)

	repo, err := openRepository(sourceRoot, overlayRoot)
	if err != nil {
		return err
	}
	defer repo.Close()

	mounter, err := davfs.Mount(mountPoint, repo)
	if err != nil {
		return err
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		for range c {
			if err := mounter.Unmount(); err == nil {
				break
			}
			slog.Error("unmount failed, retrying on next signal")
		}
	}()

	slog.Info("mounted fused view", "mountpoint", mountPoint)
	mounter.Wait()
	return nil
}
