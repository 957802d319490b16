// Command wabot runs a single-account WhatsApp bot alongside a small status
// page. Session state lives in a Google Secret Manager secret, so the bot
// survives restarts and redeploys without local disk.
//
// Usage:
//
//	wabot --project my-gcp-project --phone 31612345678
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	qrterminal "github.com/mdp/qrterminal/v3"

	"wabot"
	"wabot/internal/secrets"
	"wabot/internal/web"
)

type options struct {
	Config         string        `short:"c" long:"config" description:"Path to TOML config file"`
	Project        string        `long:"project" env:"WABOT_PROJECT" description:"Google Cloud project holding the session secret"`
	SecretName     string        `long:"secret-name" env:"WABOT_SECRET_NAME" description:"Name of the session secret"`
	Phone          string        `long:"phone" env:"WABOT_PHONE" description:"Account phone number, E.164 digits without '+' (needed for pairing)"`
	Listen         string        `long:"listen" env:"WABOT_LISTEN" description:"Address for the status page (default :8080)"`
	Debounce       time.Duration `long:"debounce" description:"Session-save debounce window"`
	ReconnectDelay time.Duration `long:"reconnect-delay" description:"Fixed delay between reconnect attempts"`
	Command        string        `long:"command" description:"Trigger text to answer"`
	Reply          string        `long:"reply" description:"Reply text"`
	Verbose        bool          `short:"v" long:"verbose" description:"Enable verbose logging"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if opts.Config != "" {
		if err := mergeConfigFile(opts.Config, &opts); err != nil {
			return err
		}
	}
	if opts.Project == "" {
		return errors.New("a Google Cloud project is required (--project or WABOT_PROJECT)")
	}
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}

	var logger *log.Logger
	if opts.Verbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	api, err := secrets.NewManager(ctx, opts.Project)
	if err != nil {
		return err
	}
	defer api.Close()

	bopts := []wabot.Option{
		wabot.WithLogger(logger),
		wabot.WithSecretAPI(api),
		wabot.WithPhoneNumber(opts.Phone),
		wabot.WithQRCallback(printQR),
		wabot.WithPairingCodeCallback(printPairingCode),
	}
	if opts.SecretName != "" {
		bopts = append(bopts, wabot.WithSecretName(opts.SecretName))
	}
	if opts.Debounce > 0 {
		bopts = append(bopts, wabot.WithDebounce(opts.Debounce))
	}
	if opts.ReconnectDelay > 0 {
		bopts = append(bopts, wabot.WithReconnectDelay(opts.ReconnectDelay))
	}
	if opts.Command != "" || opts.Reply != "" {
		command, reply := opts.Command, opts.Reply
		if command == "" {
			command = "!ping"
		}
		if reply == "" {
			reply = "pong"
		}
		bopts = append(bopts, wabot.WithCommand(command, reply))
	}

	bot, err := wabot.New(bopts...)
	if err != nil {
		return err
	}

	srv := web.New(opts.Listen, func() string { return bot.ConnState().String() }, logger)
	webErr := make(chan error, 1)
	go func() { webErr <- srv.ListenAndServe() }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	fmt.Printf("Status page on %s\n", opts.Listen)

	botErr := make(chan error, 1)
	go func() { botErr <- bot.Run(ctx) }()

	for {
		select {
		case err := <-webErr:
			return fmt.Errorf("status page: %w", err)
		case err := <-botErr:
			switch {
			case errors.Is(err, wabot.ErrLoggedOut):
				// The session is dead but the status page stays up so the
				// operator can see the state. Re-pairing needs a restart.
				fmt.Println("Logged out remotely. Delete the session secret and restart to pair again.")
				botErr = nil
			case errors.Is(err, context.Canceled):
				return nil
			default:
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func printQR(qr string) {
	fmt.Println("Scan this QR code with WhatsApp on your phone:")
	fmt.Println("  Settings → Linked Devices → Link a Device")
	fmt.Println()
	qrterminal.GenerateWithConfig(qr, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
	})
	fmt.Println()
}

func printPairingCode(code string) {
	fmt.Printf("Pairing code: %s\n", code)
	fmt.Println("Enter it on your phone: Linked Devices → Link with phone number")
}
