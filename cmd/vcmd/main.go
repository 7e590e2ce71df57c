// Command vcmd runs a single command inside the namespace set a vnoded
// instance supervises, reached through that instance's control-channel
// socket, and relays its exit status back to the caller's own exit code.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/coreemu/core/internal/client"
	"github.com/coreemu/core/internal/logging"
)

var version = "dev"

const defaultCmd = "/bin/bash"

type cmdVcmd struct {
	ctrlChannel    string
	quiet          bool
	interactive    bool
	nonInteractive bool
	verbose        bool
	showVersion    bool

	exitCode int
}

func (c *cmdVcmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vcmd -c <channel> [flags] -- command args...",
		Short: "Run a command inside a vnoded-supervised namespace",
		Long: `Description:
  Run the specified command in the Linux namespace container reached
  through <channel>, with the specified arguments. With no command given,
  runs an interactive shell.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          c.run,
	}

	flags := cmd.Flags()
	flags.StringVarP(&c.ctrlChannel, "ctrlchannel", "c", "", "control channel socket path (required)")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "run the command quietly, without local input or output")
	flags.BoolVarP(&c.interactive, "interactive", "i", false, "run the command interactively (use a PTY)")
	flags.BoolVarP(&c.nonInteractive, "non-interactive", "I", false, "run the command non-interactively (inherit stdio fds directly)")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&c.showVersion, "version", "V", false, "print version and exit")

	return cmd
}

func (c *cmdVcmd) run(cmd *cobra.Command, args []string) error {
	if c.showVersion {
		fmt.Printf("vcmd %s\n", version)
		return nil
	}

	if c.ctrlChannel == "" {
		return fmt.Errorf("no control channel given, see --ctrlchannel")
	}

	if len(args) == 0 {
		args = []string{defaultCmd}
	}

	log := logging.New(logging.Options{Verbose: c.verbose})
	variant := pickVariant(c)

	var fdReq client.FDRequest
	if variant == client.IOFD {
		fdReq = client.FDRequest{
			Stdin:  int(os.Stdin.Fd()),
			Stdout: int(os.Stdout.Fd()),
			Stderr: int(os.Stderr.Fd()),
		}
	}

	ioErrCh := make(chan error, 1)
	cl, err := client.Open(c.ctrlChannel, func(e error) { ioErrCh <- e })
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.ctrlChannel, err)
	}
	defer cl.Close()

	done := make(chan int32, 1)
	cmdid, handle, err := cl.Cmdreq(args, variant, fdReq, func(_, _, status int32) {
		done <- status
	})
	if err != nil {
		return fmt.Errorf("command request failed: %w", err)
	}
	defer handle.Close()

	if variant == client.IOPTY {
		if restore := setupRawTerminal(log); restore != nil {
			defer restore()
		}
		go relay(handle.PTY, os.Stdin)
		go relay(os.Stdout, handle.PTY)
		propagateWinsize(handle.PTY, log)
		defer watchWinsize(handle.PTY, log)()
	}

	defer forwardSignals(cl, cmdid, log)()

	select {
	case status := <-done:
		c.exitCode = decodeExitStatus(status, c.verbose, log, cmdid)
	case ioErr := <-ioErrCh:
		log.Warn("i/o error", logging.Ctx{"err": ioErr.Error()})
		c.exitCode = 255
	}

	return nil
}

// pickVariant applies the reference client's default: a PTY when stdin,
// stdout and stderr are all terminals and this process's group is the
// terminal's foreground group, direct fd passthrough otherwise, unless
// -q/-i/-I overrides it.
func pickVariant(c *cmdVcmd) client.IOVariant {
	switch {
	case c.quiet:
		return client.IONone
	case c.interactive:
		return client.IOPTY
	case c.nonInteractive:
		return client.IOFD
	case isInteractiveTerminal():
		return client.IOPTY
	default:
		return client.IOFD
	}
}

func isInteractiveTerminal() bool {
	for _, fd := range []int{0, 1, 2} {
		if !isTTY(fd) {
			return false
		}
	}
	fgpgrp, err := unix.IoctlGetInt(1, unix.TIOCGPGRP)
	if err != nil {
		return false
	}
	return fgpgrp == unix.Getpgrp()
}

func isTTY(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}

// decodeExitStatus turns a raw wait status (or -1 for a lost ack / i/o
// error) into this process's own exit code: the child's exit code when it
// exited normally, 255 otherwise.
func decodeExitStatus(status int32, verbose bool, log *logging.Logger, cmdid int32) int {
	if status < 0 {
		return 255
	}

	ws := unix.WaitStatus(status)
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		if verbose {
			log.Info("command terminated by signal", logging.Ctx{"cmdid": cmdid, "signal": int(ws.Signal())})
		}
		return 255
	default:
		log.Warn("unexpected termination status", logging.Ctx{"cmdid": cmdid, "status": status})
		return 255
	}
}

func main() {
	c := &cmdVcmd{}
	if err := c.Command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(c.exitCode)
}
