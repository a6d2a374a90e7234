package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/opd-ai/torvoice/av"
	"github.com/opd-ai/torvoice/av/audio"
	"github.com/opd-ai/torvoice/av/telemetry"
	"github.com/opd-ai/torvoice/crypto"
	"github.com/opd-ai/torvoice/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type simulateOptions struct {
	duration time.Duration
	seed     uint64
	loss     []float64
	delay    []time.Duration
	jitter   []time.Duration
	gain     float64
	metrics  string
}

// simulate: place a call between two in-process endpoints over impaired
// circuits and report what each side heard.
func simulateCmd() *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a loopback call over simulated circuits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulation(ctx, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "call length")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "impairment random seed")
	cmd.Flags().Float64SliceVar(&opts.loss, "loss", []float64{0, 0.02, 0.1}, "per-circuit loss probability")
	cmd.Flags().DurationSliceVar(&opts.delay, "delay", []time.Duration{150 * time.Millisecond, 250 * time.Millisecond, 400 * time.Millisecond}, "per-circuit one-way delay")
	cmd.Flags().DurationSliceVar(&opts.jitter, "jitter", []time.Duration{20 * time.Millisecond, 60 * time.Millisecond, 150 * time.Millisecond}, "per-circuit jitter")
	cmd.Flags().Float64Var(&opts.gain, "gain", 1, "caller microphone gain")
	cmd.Flags().StringVar(&opts.metrics, "metrics", "", "serve Prometheus metrics on this address")
	return cmd
}

// loopbackSignaling delivers signaling messages between in-process managers.
type loopbackSignaling struct {
	mu       sync.Mutex
	managers map[string]*av.Manager
}

func (l *loopbackSignaling) register(name string, m *av.Manager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.managers[name] = m
}

func (l *loopbackSignaling) from(name string) av.Signaler {
	return av.SignalerFunc(func(ctx context.Context, peer string, raw []byte) error {
		l.mu.Lock()
		m, ok := l.managers[peer]
		l.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
		}
		// Delivery is asynchronous, as over a real messenger.
		go func() {
			if err := m.HandleSignal(context.Background(), name, raw); err != nil && !errors.Is(err, av.ErrState) {
				logrus.WithFields(logrus.Fields{
					"function": "loopbackSignaling",
					"from":     name,
					"to":       peer,
					"error":    err.Error(),
				}).Warn("Signal handling failed")
			}
		}()
		return nil
	})
}

func runSimulation(ctx context.Context, out io.Writer, opts simulateOptions) error {
	mc := cfg.ManagerConfig()
	circuits := mc.Session.Circuits

	network := transport.NewMemoryNetwork(opts.seed)
	for i := 0; i < circuits; i++ {
		network.SetProfile(i, transport.LinkProfile{
			Loss:   pick(opts.loss, i),
			Delay:  pick(opts.delay, i),
			Jitter: pick(opts.jitter, i),
		})
	}

	metrics := telemetry.NewMetrics()
	if opts.metrics != "" {
		srv := &http.Server{
			Addr:              opts.metrics,
			Handler:           promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "runSimulation",
					"addr":     opts.metrics,
					"error":    err.Error(),
				}).Error("Metrics server failed")
			}
		}()
		defer srv.Close()
	}

	gain, err := audio.NewGainEffect(opts.gain)
	if err != nil {
		return err
	}
	samples := mc.Session.Jitter.SamplesPerFrame
	aliceSink, bobSink := &audio.DiscardSink{}, &audio.DiscardSink{}

	signaling := &loopbackSignaling{managers: make(map[string]*av.Manager)}
	alice, err := av.NewManager(mc, network.Endpoint("alice"), signaling.from("alice"), av.ManagerOptions{
		Metrics: metrics,
		Media: func(crypto.CallID) (av.Media, error) {
			return av.Media{
				Source:  audio.ProcessedSource{Source: audio.NewToneSource(440, 0.3), Chain: audio.NewEffectChain(gain)},
				Sink:    aliceSink,
				Encoder: audio.NewPCMEncoder(samples),
				Decoder: audio.NewPCMDecoder(samples),
			}, nil
		},
	})
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := av.NewManager(mc, network.Endpoint("bob"), signaling.from("bob"), av.ManagerOptions{
		Media: func(crypto.CallID) (av.Media, error) {
			return av.Media{
				Source:  audio.NewToneSource(330, 0.3),
				Sink:    bobSink,
				Encoder: audio.NewPCMEncoder(samples),
				Decoder: audio.NewPCMDecoder(samples),
			}, nil
		},
	})
	if err != nil {
		return err
	}
	defer bob.Close()
	signaling.register("alice", alice)
	signaling.register("bob", bob)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = alice.Run(runCtx) }()
	go func() { _ = bob.Run(runCtx) }()
	go autoAnswer(runCtx, bob)

	call, err := alice.PlaceCall(ctx, "bob")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "call %s: alice -> bob over %d circuits\n", call.ID().Short(), circuits)

	if err := waitActive(ctx, call, mc.OfferTimeout); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(opts.duration)
	defer deadline.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline.C:
			break loop
		case <-call.Done():
			break loop
		case <-ticker.C:
			st := call.Stats()
			fmt.Fprintf(out, "%6s  played=%d concealed=%d target=%dms fec=%d%%\n",
				st.Duration.Truncate(time.Second), st.Playout.Played, st.Playout.Concealed,
				st.Playout.TargetMs, st.FECTarget)
		case e := <-alice.Events():
			if e.Type == av.EventTelemetryUpdated && e.Assessment != nil {
				logrus.WithFields(logrus.Fields{
					"function": "runSimulation",
					"mos":      fmt.Sprintf("%.2f", e.Assessment.MOS),
					"level":    e.Assessment.Level.String(),
				}).Debug("Peer report")
			}
		}
	}

	remote, _ := bob.Session(call.ID())
	callerStats := call.Stats()
	var calleeStats av.SessionStats
	if remote != nil {
		calleeStats = remote.Stats()
	}

	hangupCtx, hangupCancel := context.WithTimeout(context.Background(), mc.Session.TeardownTimeout)
	defer hangupCancel()
	if err := alice.Hangup(hangupCtx, call.ID()); err != nil && !errors.Is(err, av.ErrState) {
		return err
	}

	printStats(out, "alice", callerStats)
	if remote != nil {
		printStats(out, "bob", calleeStats)
	}
	fmt.Fprintf(out, "frames written: alice=%d bob=%d\n", aliceSink.Frames(), bobSink.Frames())
	return nil
}

func autoAnswer(ctx context.Context, m *av.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.Events():
			if e.Type != av.EventIncomingCall {
				continue
			}
			if err := m.Accept(ctx, e.CallID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "autoAnswer",
					"call_id":  e.CallID.Short(),
					"error":    err.Error(),
				}).Error("Failed to accept call")
			}
		}
	}
}

func waitActive(ctx context.Context, s *av.Session, timeout time.Duration) error {
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	deadline := time.After(timeout)
	for s.State() != av.StateActive {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return fmt.Errorf("call ended: %s", s.Reason())
		case <-deadline:
			return av.ErrNoAnswer
		case <-poll.C:
		}
	}
	return nil
}

func printStats(out io.Writer, name string, st av.SessionStats) {
	fmt.Fprintf(out, "\n%s: %s, audio sent %d, control sent %d\n", name, st.State, st.AudioSent, st.ControlSent)
	fmt.Fprintf(out, "  playout: played %d, recovered %d, concealed %d, late %d, resyncs %d, target %dms\n",
		st.Playout.Played, st.Playout.Recovered, st.Playout.Concealed, st.Playout.Late, st.Playout.Resyncs, st.Playout.TargetMs)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  circuit\tweight\tbad permille\treceived\tlate")
	for i, c := range st.Circuits {
		var received, late uint64
		if i < len(st.Health) {
			received, late = st.Health[i].Received, st.Health[i].Late
		}
		fmt.Fprintf(w, "  %d\t%.2f\t%.0f\t%d\t%d\n", i, c.Weight, c.BadRate, received, late)
	}
	w.Flush()
}

func pick[T any](values []T, i int) T {
	var zero T
	if len(values) == 0 {
		return zero
	}
	if i < len(values) {
		return values[i]
	}
	return values[len(values)-1]
}
