package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/api"
	"github.com/ZentaChain/wamd/pkg/log"
	"github.com/ZentaChain/wamd/pkg/network"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

type connectOptions struct {
	qrASCII   bool
	pairPhone string
	apiAddr   string
	keepalive time.Duration
}

func newConnectCmd(flags *globalFlags) *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the server, pairing the device if needed",
		Long: `Connect runs the handshake and stays connected until interrupted.
An unpaired device prints a QR code to scan from the phone, or requests a
pairing code when --pair-phone is given. App state is synchronized after
login and persisted in the device database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(flags, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.qrASCII, "qr-ascii", false, "Print pairing QR codes in the terminal instead of writing a PNG")
	cmd.Flags().StringVar(&opts.pairPhone, "pair-phone", "", "Link by pairing code to this phone number instead of QR")
	cmd.Flags().StringVar(&opts.apiAddr, "api", "", "Serve the status API on this address (overrides config)")
	cmd.Flags().DurationVar(&opts.keepalive, "keepalive", 20*time.Second, "Interval between keepalive pings (0 disables)")
	return cmd
}

func runConnect(flags *globalFlags, opts connectOptions) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if opts.apiAddr != "" {
		cfg.APIAddr = opts.apiAddr
	}

	db, ks, err := openDevice(cfg, true)
	if err != nil {
		return err
	}
	defer db.Close()

	client := network.New(network.Config{
		ServerURL:          cfg.ServerURL,
		Origin:             cfg.Origin,
		DialTimeout:        cfg.DialTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		RootKey:            cfg.RootKey(),
		InsecureSkipVerify: cfg.InsecureSkipCertVerify,
		AppStateTypes:      cfg.Types(),
		PreKeyBatch:        cfg.PreKeyBatch,
		KeepaliveInterval:  opts.keepalive,
	}, ks, db)
	if err := db.RestoreAppState(client.AppState()); err != nil {
		return fmt.Errorf("failed to restore app state: %w", err)
	}

	client.OnPaired = func(jid protocol.JID) {
		fmt.Printf("Paired as %s\n", jid)
	}
	client.OnPresence = func(ev network.PresenceEvent) {
		log.Debug("presence", zap.String("from", ev.From.String()), zap.String("status", ev.Status))
	}
	client.OnReceipt = func(ev network.ReceiptEvent) {
		log.Debug("receipt", zap.String("chat", ev.Chat.String()), zap.Strings("ids", ev.MessageIDs))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	challenges, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	if cfg.APIAddr != "" {
		server := api.NewServer(ks, client.AppState(), db, client, &api.Config{
			Addr:         cfg.APIAddr,
			APIKey:       cfg.APIKey,
			RateLimit:    100,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		})
		go func() {
			if err := server.Start(ctx); err != nil {
				log.Error("status API stopped", zap.Error(err))
			}
		}()
	}

	if opts.pairPhone != "" && !ks.IsPaired() {
		go func() {
			if _, err := client.RequestPairingCode(ctx, opts.pairPhone); err != nil {
				log.Error("pairing code request failed", zap.Error(err))
			}
		}()
	}

	done := client.Done()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Shutting down...")
			return nil
		case <-done:
			if err := client.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case ch, ok := <-challenges:
			if !ok {
				challenges = nil
				continue
			}
			showChallenge(cfg.DataDir, ch, opts.qrASCII)
		}
	}
}

func showChallenge(dataDir string, ch network.AuthChallenge, ascii bool) {
	switch c := ch.(type) {
	case network.PairingCodeChallenge:
		fmt.Printf("Enter this code on the phone (%s): %s\n", c.Phone, c.Code)
	case network.QRChallenge:
		if ascii {
			qr, err := qrcode.New(c.Payload, qrcode.Medium)
			if err != nil {
				log.Warn("failed to render QR code", zap.Error(err))
				fmt.Printf("QR payload: %s\n", c.Payload)
				return
			}
			fmt.Println(qr.ToSmallString(false))
			return
		}
		path := filepath.Join(dataDir, "pair-qr.png")
		if err := qrcode.WriteFile(c.Payload, qrcode.Medium, 256, path); err != nil {
			log.Warn("failed to write QR code", zap.Error(err))
			fmt.Printf("QR payload: %s\n", c.Payload)
			return
		}
		fmt.Printf("Scan the QR code in %s from the phone\n", path)
	}
}
