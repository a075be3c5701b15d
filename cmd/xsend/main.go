// xsend sends a batch of files to an xrecv server over one connection.
//
// With file arguments it sends those files in the given order. Without
// arguments it sends every regular file in the upload directory, sorted by
// name.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/drunlade/go-batchxfer/internal/cli"
	"github.com/drunlade/go-batchxfer/observe"
	"github.com/drunlade/go-batchxfer/xfer"
)

const usage = `xsend sends files to an xrecv server.

Usage:
  xsend [flags] [file...]

Without files, every regular file in --dir is sent.

Flags:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var common cli.Common
	var uploadDir string
	var sshAddress, sshUser, sshKey, knownHosts string
	var sshPassword, insecureHostKey, showVersion bool

	flagSet := pflag.NewFlagSet("xsend", pflag.ContinueOnError)
	common.AddFlags(flagSet)
	flagSet.StringVar(&uploadDir, "dir", "./upload", "directory to send when no files are given")
	flagSet.StringVar(&sshAddress, "ssh", "", "tunnel through this SSH server (host:port)")
	flagSet.StringVar(&sshUser, "ssh-user", "", "SSH user name")
	flagSet.StringVar(&sshKey, "ssh-key", "", "SSH private key file")
	flagSet.BoolVar(&sshPassword, "ssh-password", false, "prompt for the SSH password")
	flagSet.StringVar(&knownHosts, "known-hosts", "", "known_hosts file for verifying the SSH server")
	flagSet.BoolVar(&insecureHostKey, "insecure-ignore-host-key", false, "do not verify the SSH server key")
	flagSet.BoolVar(&showVersion, "version", false, "show version")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			cli.PrintHelp(flagSet, usage)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		cli.PrintHelp(flagSet, usage)
		return nil
	}
	if showVersion {
		fmt.Println("xsend version " + cli.Version)
		return nil
	}

	cfg, err := common.Load(flagSet)
	if err != nil {
		return err
	}
	if flagSet.Changed("dir") {
		cfg.UploadDir = uploadDir
	}
	if flagSet.Changed("ssh") {
		cfg.SSH.Address = sshAddress
	}
	if flagSet.Changed("ssh-user") {
		cfg.SSH.User = sshUser
	}
	if flagSet.Changed("ssh-key") {
		cfg.SSH.KeyFile = sshKey
	}
	if flagSet.Changed("known-hosts") {
		cfg.SSH.KnownHosts = knownHosts
	}
	if flagSet.Changed("insecure-ignore-host-key") {
		cfg.SSH.InsecureIgnoreHostKey = insecureHostKey
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slogger := common.Logger()
	logger := xfer.NewSlogLogger(slogger)

	provider, err := cfg.KeyProvider(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}
	pipeline, fingerprint, err := cfg.Pipeline(provider)
	if err != nil {
		return err
	}
	if fingerprint != "" {
		slogger.Info("transfer key loaded", "fingerprint", fingerprint)
	}

	eventLog, closeEventLog, err := cli.OpenEventLog(cfg.Observe.EventLog)
	if err != nil {
		return err
	}
	defer closeEventLog()
	var observer observe.Observer = observe.Nop{}
	if eventLog != nil {
		observer = eventLog
	}

	progress := cli.NewProgress(os.Stderr, common.Quiet)
	opts := []xfer.Option{
		xfer.WithConfig(common.Xfer(cfg)),
		xfer.WithPipeline(pipeline),
		xfer.WithLogger(logger),
		xfer.WithObserver(observer),
		xfer.WithCallbacks(progress.Callbacks()),
	}

	if cfg.SSHEnabled() {
		var password string
		if sshPassword {
			password, err = readPassword("SSH password: ")
			if err != nil {
				return err
			}
		}
		dialer, err := xfer.NewSSHDialer(ctx, cfg.Tunnel(password))
		if err != nil {
			return err
		}
		defer dialer.Close()
		slogger.Info("tunneling through ssh", "ssh", cfg.SSH.Address)
		opts = append(opts, xfer.WithDialer(dialer))
	}

	client := xfer.NewClient(cfg.Address, opts...)

	var sent int
	if files := flagSet.Args(); len(files) > 0 {
		sent, err = client.SendFiles(ctx, files)
	} else {
		sent, err = client.SendDir(ctx, cfg.UploadDir)
	}
	if err != nil {
		return fmt.Errorf("sent %d files before failing: %w", sent, err)
	}
	return nil
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--ssh-password needs a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}
