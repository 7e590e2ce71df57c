// Command vnoded is the per-container control-channel supervisor: given a
// socket path it listens on, it optionally clones itself into a fresh set
// of Linux namespaces, becomes PID 1 there, and then services CMDREQ and
// CMDSIGNAL requests until its control channel goes away.
//
// Normal use is as a child process spawned by something else (the CORE
// emulator's node code); a caller reads the child's stdout for the decimal
// pid of the process actually running inside the new namespaces, since
// that is not the pid vnoded itself was started with.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/coreemu/core/internal/logging"
	"github.com/coreemu/core/internal/netns"
	"github.com/coreemu/core/internal/protocol"
	"github.com/coreemu/core/internal/server"
)

var version = "dev"

type cmdVnoded struct {
	ctrlChannel string
	chdir       string
	logFile     string
	pidFile     string
	noNetns     bool
	verbose     bool
	showVersion bool
}

func (c *cmdVnoded) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vnoded",
		Short: "Run a container's control-channel supervisor",
		Long: `Description:
  vnoded listens on a control-channel socket and executes commands on
  behalf of clients connected to it (vcmd). It normally runs as PID 1
  inside a freshly created set of namespaces.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          c.run,
	}

	flags := cmd.Flags()
	flags.StringVarP(&c.ctrlChannel, "ctrlchannel", "c", "", "control channel socket path (required)")
	flags.StringVarP(&c.chdir, "chdir", "C", "", "change to the specified directory before servicing requests")
	flags.StringVarP(&c.logFile, "logfile", "l", "", "log output to the specified file instead of stderr")
	flags.StringVarP(&c.pidFile, "pidfile", "p", "", "write the namespace leader's process id to the specified file")
	flags.BoolVarP(&c.noNetns, "no-netns", "n", false, "do not create new namespaces, stay in the caller's (debug)")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&c.showVersion, "version", "V", false, "print version and exit")

	return cmd
}

func (c *cmdVnoded) run(cmd *cobra.Command, args []string) error {
	if c.showVersion {
		fmt.Printf("vnoded %s\n", version)
		return nil
	}

	for _, a := range args {
		fmt.Fprintf(os.Stderr, "vnoded: ignoring extra argument %q\n", a)
	}

	if c.ctrlChannel == "" {
		return fmt.Errorf("no control channel given, see --ctrlchannel")
	}

	// A caller that exec's us directly (rather than via a shell already
	// detached from a controlling terminal) still gets a clean session;
	// failure here just means we already are a session leader.
	_, _ = unix.Setsid()

	ln, err := protocol.Listen(c.ctrlChannel)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.ctrlChannel, err)
	}

	log := logging.New(logging.Options{Verbose: c.verbose})

	res, err := netns.Bringup(netns.Config{
		Listener:   ln,
		Namespaces: !c.noNetns,
		Chdir:      c.chdir,
		Log:        log,
	})
	if err != nil {
		_ = os.Remove(c.ctrlChannel)
		return err
	}

	if res.Detached {
		fmt.Println(res.ChildPID)
		return writePidFile(c.pidFile, res.ChildPID)
	}

	if err := writePidFile(c.pidFile, os.Getpid()); err != nil {
		log.Warn("could not write pidfile", logging.Ctx{"err": err.Error()})
	}

	if err := redirectStdio(c.logFile); err != nil {
		log.Warn("stdio redirection failed", logging.Ctx{"err": err.Error()})
	}

	srv := server.New(res.Listener, server.Config{
		SocketPath: c.ctrlChannel,
		PidFile:    c.pidFile,
		PID1:       os.Getpid() == 1,
		Log:        log,
	})

	installSignalHandlers(srv, log)

	return srv.Serve()
}

func writePidFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// redirectStdio points stdin at /dev/null and stdout and stderr at logPath,
// or at /dev/null too if no log file is given, the way the
// reference vnoded daemonizes once it has nothing left to print to a
// caller's terminal.
func redirectStdio(logPath string) error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	if err := unix.Dup2(int(devNull.Fd()), unix.Stdin); err != nil {
		return fmt.Errorf("redirect stdin: %w", err)
	}

	out := devNull
	if logPath != "" {
		f, err := logging.OpenLogFile(logPath)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", logPath, err)
		}
		defer f.Close()
		out = f
	}

	if err := unix.Dup2(int(out.Fd()), unix.Stdout); err != nil {
		return fmt.Errorf("redirect stdout: %w", err)
	}
	if err := unix.Dup2(int(out.Fd()), unix.Stderr); err != nil {
		return fmt.Errorf("redirect stderr: %w", err)
	}

	return nil
}

// installSignalHandlers runs Shutdown on SIGTERM/SIGINT so the namespace
// sweep and socket/pidfile cleanup happen on a normal termination request
// rather than only on EOF from every client.
func installSignalHandlers(srv *server.Server, log *logging.Logger) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-ch
		log.Info("exiting on signal", logging.Ctx{"signal": sig.String()})
		srv.Shutdown()
	}()
}

func main() {
	c := &cmdVnoded{}
	if err := c.Command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
