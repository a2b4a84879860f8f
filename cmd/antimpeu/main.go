// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// main.go - Antimpeu binary.

package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/antimpeu/antimpeu/chat"
	"github.com/antimpeu/antimpeu/client"
	"github.com/antimpeu/antimpeu/config"
	"github.com/antimpeu/antimpeu/server"
	"github.com/antimpeu/antimpeu/vault"
)

const defaultConfigFile = "antimpeu.toml"

var configFile string

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}

	// No config file was asked for, try the default location and fall
	// back to the baked in defaults when there is none.
	cfg, err := config.LoadFile(defaultConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return config.Default()
		}
		return nil, err
	}
	return cfg, nil
}

// overridePort replaces the port of addr.
func overridePort(addr, port string) (string, error) {
	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return "", fmt.Errorf("invalid port '%v'", port)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, port), nil
}

// runFrontEnd pumps lines typed on stdin into send and prints every message
// arriving on messages, until either side of the conversation goes away.
func runFrontEnd(send func(string) error, messages <-chan chat.Message) {
	doneCh := make(chan interface{})
	go func() {
		defer close(doneCh)
		for m := range messages {
			fmt.Printf("[%s] %s: %s\n", m.Time.Format("15:04"), m.Sender, m.Text)
		}
	}()

	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	for {
		select {
		case <-doneCh:
			return
		case line, ok := <-lineCh:
			if !ok {
				// Stdin is gone, the user is done with us.
				return
			}
			if line == "" {
				continue
			}
			if err := send(line); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to send: %v\n", err)
				return
			}
		}
	}
}

func runServer(cfg *config.Config) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	defer memguard.Purge()
	key, err := vault.LoadKey(cfg.WrappedKeyPath(), vault.Terminal("Enter passphrase: "))
	if err != nil {
		return err
	}
	defer key.Destroy()

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(cfg, key.Bytes())
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		<-rotateCh
		svr.RotateLog()
	}()

	runFrontEnd(func(text string) error {
		svr.Send(text)
		return nil
	}, svr.Messages())

	fmt.Println("Antimpeu closed, shutting down server.")
	svr.Shutdown()
	svr.Wait()
	return nil
}

func runClient(cfg *config.Config) error {
	defer memguard.Purge()
	key, err := vault.LoadKey(cfg.WrappedKeyPath(), vault.Terminal("Enter passphrase: "))
	if err != nil {
		return err
	}
	defer key.Destroy()

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	c, err := client.New(cfg, key.Bytes())
	if err != nil {
		return fmt.Errorf("failed to connect: %v", err)
	}
	defer c.Shutdown()

	go func() {
		<-haltCh
		c.Shutdown()
	}()

	go func() {
		<-rotateCh
		c.RotateLog()
	}()

	runFrontEnd(c.Send, c.Messages())

	c.Shutdown()
	c.Wait()
	return nil
}

func newServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "server [port]",
		Short: "Start the group chat server and wait for incoming connections",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if cfg.Server.Address, err = overridePort(cfg.Server.Address, args[0]); err != nil {
					return err
				}
			}
			return runServer(cfg)
		},
	}
}

func newClientCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "client [host] [port]",
		Short: "Connect to a chat server",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("accepts no args or a host and a port, received %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 2 {
				if _, err = strconv.ParseUint(args[1], 10, 16); err != nil {
					return fmt.Errorf("invalid port '%v'", args[1])
				}
				cfg.Server.Address = net.JoinHostPort(args[0], args[1])
			}
			return runClient(cfg)
		},
	}
}

func newEncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enc",
		Short: "Wrap an existing raw data key file under a passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sp := vault.Terminal("Enter passphrase to wrap data key: ")
			if err = vault.WrapFile(cfg.RawKeyPath(), cfg.WrappedKeyPath(), sp); err != nil {
				return err
			}
			fmt.Printf("Wrote wrapped data key to %v\n", cfg.WrappedKeyPath())
			return nil
		},
	}
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh data key and wrap it under a passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sp := vault.Terminal("Enter passphrase to wrap data key: ")
			if err = vault.GenerateKey(cfg.WrappedKeyPath(), sp); err != nil {
				return err
			}
			fmt.Printf("Wrote wrapped data key to %v\n", cfg.WrappedKeyPath())
			return nil
		},
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "antimpeu",
		Short: "Small encrypted group chat",
		Long: `Antimpeu is a small encrypted group chat for people who already share a
secret.  Everyone holds the same data key, the server relays ciphertext
between whoever can prove they hold it, and nothing is ever stored.

The data key lives wrapped under a passphrase in the key directory and is
unwrapped interactively on startup.  Use keygen to create one, or enc to
wrap a raw key file obtained some other way.`,
		Example: `  # Generate a wrapped data key, then host a chat on the default port
  antimpeu keygen
  antimpeu server

  # Host a chat on port 42800 instead
  antimpeu server 42800

  # Join a chat
  antimpeu client chat.example.com 42800`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Set the umask to something "paranoid".
			syscall.Umask(0077)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", "",
		"path to the configuration file (TOML format)")

	cmd.AddCommand(newServerCommand())
	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newEncCommand())
	cmd.AddCommand(newKeygenCommand())

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
