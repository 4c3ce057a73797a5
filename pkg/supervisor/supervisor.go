// Package supervisor launches a command against the fused view. The
// repository is mounted over FUSE at a temporary mount point, the child
// runs with that directory as its working directory, and every write it
// makes lands in the overlay.
package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	davfs "davmirror/pkg/fs"
	"davmirror/pkg/mirror"
)

// Config holds supervisor configuration.
type Config struct {
	Interactive bool     // run the child under a PTY
	Command     []string // command and arguments
}

// Run mounts the fused view and runs the configured command inside it.
func Run(repo *mirror.Repository, cfg Config) error {
	if len(cfg.Command) == 0 {
		return fmt.Errorf("no command given")
	}

	mountPoint, err := os.MkdirTemp("", "davmirror-*")
	if err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	defer os.RemoveAll(mountPoint)

	mounter, err := davfs.Mount(mountPoint, repo)
	if err != nil {
		return fmt.Errorf("failed to mount fused view: %w", err)
	}
	defer mounter.Unmount()

	fmt.Printf("Fused view mounted at: %s\n", mountPoint)
	fmt.Printf("Source (read): %s\n", repo.SourceRoot())
	fmt.Printf("Overlay (write): %s\n", repo.OverlayRoot())

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = mountPoint
	cmd.Env = append(os.Environ(), "DAVMIRROR_WORKSPACE="+mountPoint)

	if !cfg.Interactive {
		return runNonInteractive(cmd)
	}
	return runInteractive(cmd)
}

// runInteractive runs the child under a PTY with the controlling
// terminal in raw mode and window size changes mirrored through.
func runInteractive(cmd *exec.Cmd) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}
	defer ptmx.Close()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	// Handle window size changes
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	go func() {
		for range ch {
			pty.InheritSize(os.Stdin, ptmx)
		}
	}()
	ch <- syscall.SIGWINCH // initial size sync
	defer signal.Stop(ch)

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	go func() {
		io.Copy(ptmx, os.Stdin)
	}()
	io.Copy(os.Stdout, ptmx)

	err = <-done
	if err != nil {
		// Exit errors are expected when the shell exits
		if _, ok := err.(*exec.ExitError); !ok {
			return fmt.Errorf("command exited with error: %w", err)
		}
	}
	return nil
}

// runNonInteractive wires the std streams straight through.
func runNonInteractive(cmd *exec.Cmd) error {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return fmt.Errorf("command exited with error: %w", err)
		}
	}
	return nil
}
