package commands

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/opd-ai/torvoice/av"
	"github.com/opd-ai/torvoice/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	codec      string
)

// call [peer]: run an endpoint on the Tor transport. Signaling messages are
// exchanged by hand: outgoing ones are printed as "SIGNAL <peer> <base64>"
// and incoming ones are read from stdin as "<peer> <base64>".
func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call [peer.onion[:port]]",
		Short: "Place or answer a call over Tor with manual signaling",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			peer := ""
			if len(args) == 1 {
				peer = args[0]
			}
			return runCall(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), peer)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9152", "local target of the voice hidden service")
	cmd.Flags().StringVar(&codec, "codec", "", "decode inbound audio as pcm or opus (overrides the config file)")
	return cmd
}

// lineSignaler prints encoded signaling messages, one per line.
type lineSignaler struct {
	mu  sync.Mutex
	out io.Writer
}

func (l *lineSignaler) SendSignal(_ context.Context, peer string, raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.out, "SIGNAL %s %s\n", peer, base64.StdEncoding.EncodeToString(raw))
	return err
}

func runCall(ctx context.Context, in io.Reader, out io.Writer, peer string) error {
	if codec != "" {
		cfg.Call.Codec = codec
	}
	media, err := cfg.MediaFactory()
	if err != nil {
		return err
	}

	tr := transport.NewTorTransport(cfg.TorConfig())
	defer tr.Close()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := tr.Listen(ln); err != nil && !errors.Is(err, transport.ErrClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "runCall",
				"addr":     listenAddr,
				"error":    err.Error(),
			}).Error("Listener failed")
		}
	}()

	mgr, err := av.NewManager(cfg.ManagerConfig(), tr, &lineSignaler{out: out}, av.ManagerOptions{Media: media})
	if err != nil {
		return err
	}
	defer mgr.Close()

	go func() { _ = mgr.Run(ctx) }()
	go readSignals(ctx, in, mgr)

	if peer != "" {
		s, err := mgr.PlaceCall(ctx, peer)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "calling %s (call %s)\n", peer, s.ID().Short())
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-mgr.Events():
			switch e.Type {
			case av.EventIncomingCall:
				fmt.Fprintf(os.Stderr, "incoming call %s from %s, answering\n", e.CallID.Short(), e.Peer)
				if err := mgr.Accept(ctx, e.CallID); err != nil {
					return err
				}
			case av.EventStateChanged:
				fmt.Fprintf(os.Stderr, "call %s: %s -> %s\n", e.CallID.Short(), e.Previous, e.State)
			case av.EventCallEnded:
				fmt.Fprintf(os.Stderr, "call %s ended: %s\n", e.CallID.Short(), e.Reason)
				if peer != "" {
					return nil
				}
			}
		}
	}
}

func readSignals(ctx context.Context, in io.Reader, mgr *av.Manager) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readSignals",
				"error":    err.Error(),
			}).Warn("Malformed signal line")
			continue
		}
		if err := mgr.HandleSignal(ctx, fields[0], raw); err != nil && !errors.Is(err, av.ErrState) {
			logrus.WithFields(logrus.Fields{
				"function": "readSignals",
				"peer":     fields[0],
				"error":    err.Error(),
			}).Warn("Signal rejected")
		}
	}
}
