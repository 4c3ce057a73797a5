package cmd

import (
	"github.com/spf13/cobra"

	"davmirror/pkg/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run <source_root> <overlay_root> -- <command> [args...]",
	Short: "Run a command against the fused view",
	Long: `Mounts the fused view at a temporary location and runs the given
command inside it. Writes made by the command are captured in the
overlay; the source tree is preserved.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(args[0], args[1], args[2:])
	},
}

func init() {
	runCmd.Flags().BoolVarP(&interactive, "interactive", "i", true, "Run with full PTY support (use -i=false to disable)")
	RootCmd.AddCommand(runCmd)
}

func runRun(sourceRoot, overlayRoot string, command []string) error {
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

	return supervisor.Run(repo, supervisor.Config{
		Interactive: interactive,
		Command:     command,
	})
}
