// Package config provides the TOML configuration of a torvoice endpoint.
//
// Every duration is an integer number of milliseconds. Sections and fields
// that are omitted take their default values, so an empty file is a valid
// configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/torvoice/av"
	"github.com/opd-ai/torvoice/av/audio"
	"github.com/opd-ai/torvoice/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "INFO"
	// DefaultLogFormat is the default log formatter.
	DefaultLogFormat = "text"
	// DefaultMetricsAddress is where the Prometheus handler listens when
	// metrics are enabled.
	DefaultMetricsAddress = "127.0.0.1:9153"
)

// Call tunes call establishment and the per-call tasks.
type Call struct {
	// Circuits is the number of parallel circuits per call.
	Circuits int

	// OfferTimeout is how long an outgoing offer waits for an answer, in
	// milliseconds.
	OfferTimeout int

	// OfferRetransmit is the interval at which an unanswered offer is sent
	// again, in milliseconds.
	OfferRetransmit int

	// AnsweredCacheTTL is how long an answer is kept for retransmitted
	// offers, in milliseconds.
	AnsweredCacheTTL int

	// TeardownTimeout bounds circuit shutdown, in milliseconds.
	TeardownTimeout int

	// RebuildTimeout bounds a single circuit rebuild, in milliseconds.
	RebuildTimeout int

	// EventBuffer bounds the call event channel.
	EventBuffer int

	// InboundCapacity bounds the decrypted-frame queue of a call.
	InboundCapacity int

	// FECAlpha smooths the peer-reported loss fed to the encoder.
	FECAlpha float64

	// Codec selects how inbound audio is decoded: "pcm" or "opus".
	Codec string
}

// Jitter tunes the jitter buffer and playout clock.
type Jitter struct {
	FrameInterval   int
	SamplesPerFrame int
	InitialTargetMs int
	MinTargetMs     int
	MaxTargetMs     int
	GrowStepMs      int
	ShrinkStepMs    int
	ShrinkInterval  int
	StabilityWindow int
	ReorderGrace    int
	FECGrace        int
	ResyncThreshold int
	MaxDepthFrames  int
}

// Scheduler tunes circuit selection and rebuilds.
type Scheduler struct {
	BadRateWeight            float64
	EMAAlpha                 float64
	DownAfterFailures        int
	RebuildThresholdPermille int
	PoorReportsBeforeRebuild int
	RebuildCooldown          int
}

// Telemetry tunes quality reporting.
type Telemetry struct {
	// Interval is how often a CONTROL report is sent, in milliseconds.
	Interval int

	MaxOneWayLatency int
	MaxJitter        int
	// MaxPacketLoss is a percentage.
	MaxPacketLoss float64
	MinMOS        float64
}

// Tor configures the Tor circuit transport.
type Tor struct {
	// SOCKSAddr is the Tor client's SOCKS5 listener.
	SOCKSAddr string

	// VoicePort is the voice hidden service port of peers.
	VoicePort int

	DialTimeout      int
	HandshakeTimeout int
	WriteTimeout     int
	InboundCapacity  int
}

// Logging configures logrus.
type Logging struct {
	// Disable discards all log output.
	Disable bool

	// Level is one of ERROR, WARNING, INFO, DEBUG.
	Level string

	// Format is "text" or "json".
	Format string
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enable  bool
	Address string
}

// Config is the top level configuration.
type Config struct {
	Call      *Call
	Jitter    *Jitter
	Scheduler *Scheduler
	Telemetry *Telemetry
	Tor       *Tor
	Logging   *Logging
	Metrics   *Metrics
}

// Default returns the default configuration.
func Default() *Config {
	mc := av.DefaultManagerConfig()
	sc := mc.Session
	j := sc.Jitter
	s := sc.Scheduler

	return &Config{
		Call: &Call{
			Circuits:         sc.Circuits,
			OfferTimeout:     toMs(mc.OfferTimeout),
			OfferRetransmit:  toMs(mc.OfferRetransmit),
			AnsweredCacheTTL: toMs(mc.AnsweredCacheTTL),
			TeardownTimeout:  toMs(sc.TeardownTimeout),
			RebuildTimeout:   toMs(sc.RebuildTimeout),
			EventBuffer:      mc.EventBuffer,
			InboundCapacity:  sc.InboundCapacity,
			FECAlpha:         sc.FECAlpha,
			Codec:            audio.CodecPCM,
		},
		Jitter: &Jitter{
			FrameInterval:   toMs(j.FrameInterval),
			SamplesPerFrame: j.SamplesPerFrame,
			InitialTargetMs: j.InitialTargetMs,
			MinTargetMs:     j.MinTargetMs,
			MaxTargetMs:     j.MaxTargetMs,
			GrowStepMs:      j.GrowStepMs,
			ShrinkStepMs:    j.ShrinkStepMs,
			ShrinkInterval:  toMs(j.ShrinkInterval),
			StabilityWindow: toMs(j.StabilityWindow),
			ReorderGrace:    toMs(j.ReorderGrace),
			FECGrace:        toMs(j.FECGrace),
			ResyncThreshold: j.ResyncThreshold,
			MaxDepthFrames:  j.MaxDepthFrames,
		},
		Scheduler: &Scheduler{
			BadRateWeight:            s.BadRateWeight,
			EMAAlpha:                 s.EMAAlpha,
			DownAfterFailures:        s.DownAfterFailures,
			RebuildThresholdPermille: s.RebuildThresholdPermille,
			PoorReportsBeforeRebuild: s.PoorReportsBeforeRebuild,
			RebuildCooldown:          toMs(s.RebuildCooldown),
		},
		Telemetry: &Telemetry{
			Interval:         toMs(sc.TelemetryInterval),
			MaxOneWayLatency: toMs(sc.Quality.MaxOneWayLatency),
			MaxJitter:        toMs(sc.Quality.MaxJitter),
			MaxPacketLoss:    sc.Quality.MaxPacketLoss,
			MinMOS:           sc.Quality.MinMOS,
		},
		Tor: &Tor{
			SOCKSAddr:        transport.DefaultSOCKSAddr,
			VoicePort:        transport.DefaultVoicePort,
			DialTimeout:      toMs(transport.DefaultDialTimeout),
			HandshakeTimeout: toMs(transport.DefaultHandshakeTimeout),
			WriteTimeout:     toMs(transport.DefaultWriteTimeout),
			InboundCapacity:  256,
		},
		Logging: &Logging{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: &Metrics{
			Address: DefaultMetricsAddress,
		},
	}
}

// FixupAndValidate applies defaults to unset fields and checks the result.
func (c *Config) FixupAndValidate() error {
	def := Default()

	if c.Call == nil {
		c.Call = def.Call
	}
	c.Call.fixup(def.Call)
	if c.Jitter == nil {
		c.Jitter = def.Jitter
	}
	c.Jitter.fixup(def.Jitter)
	if c.Scheduler == nil {
		c.Scheduler = def.Scheduler
	}
	c.Scheduler.fixup(def.Scheduler)
	if c.Telemetry == nil {
		c.Telemetry = def.Telemetry
	}
	c.Telemetry.fixup(def.Telemetry)
	if c.Tor == nil {
		c.Tor = def.Tor
	}
	c.Tor.fixup(def.Tor)
	if c.Logging == nil {
		c.Logging = def.Logging
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Metrics == nil {
		c.Metrics = def.Metrics
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}

	codec, err := audio.ParseCodec(c.Call.Codec)
	if err != nil {
		return fmt.Errorf("%w: Call: %w", ErrInvalid, err)
	}
	c.Call.Codec = codec

	if c.Tor.VoicePort < 1 || c.Tor.VoicePort > 65535 {
		return fmt.Errorf("%w: Tor: VoicePort %d out of range", ErrInvalid, c.Tor.VoicePort)
	}
	if err := c.ManagerConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Call) fixup(def *Call) {
	setInt(&c.Circuits, def.Circuits)
	setInt(&c.OfferTimeout, def.OfferTimeout)
	setInt(&c.OfferRetransmit, def.OfferRetransmit)
	setInt(&c.AnsweredCacheTTL, def.AnsweredCacheTTL)
	setInt(&c.TeardownTimeout, def.TeardownTimeout)
	setInt(&c.RebuildTimeout, def.RebuildTimeout)
	setInt(&c.EventBuffer, def.EventBuffer)
	setInt(&c.InboundCapacity, def.InboundCapacity)
	setFloat(&c.FECAlpha, def.FECAlpha)
	if c.Codec == "" {
		c.Codec = def.Codec
	}
}

func (j *Jitter) fixup(def *Jitter) {
	setInt(&j.FrameInterval, def.FrameInterval)
	setInt(&j.SamplesPerFrame, def.SamplesPerFrame)
	setInt(&j.InitialTargetMs, def.InitialTargetMs)
	setInt(&j.MinTargetMs, def.MinTargetMs)
	setInt(&j.MaxTargetMs, def.MaxTargetMs)
	setInt(&j.GrowStepMs, def.GrowStepMs)
	setInt(&j.ShrinkStepMs, def.ShrinkStepMs)
	setInt(&j.ShrinkInterval, def.ShrinkInterval)
	setInt(&j.StabilityWindow, def.StabilityWindow)
	setInt(&j.ReorderGrace, def.ReorderGrace)
	setInt(&j.FECGrace, def.FECGrace)
	setInt(&j.ResyncThreshold, def.ResyncThreshold)
	setInt(&j.MaxDepthFrames, def.MaxDepthFrames)
}

func (s *Scheduler) fixup(def *Scheduler) {
	setFloat(&s.BadRateWeight, def.BadRateWeight)
	setFloat(&s.EMAAlpha, def.EMAAlpha)
	setInt(&s.DownAfterFailures, def.DownAfterFailures)
	setInt(&s.RebuildThresholdPermille, def.RebuildThresholdPermille)
	setInt(&s.PoorReportsBeforeRebuild, def.PoorReportsBeforeRebuild)
	setInt(&s.RebuildCooldown, def.RebuildCooldown)
}

func (t *Telemetry) fixup(def *Telemetry) {
	setInt(&t.Interval, def.Interval)
	setInt(&t.MaxOneWayLatency, def.MaxOneWayLatency)
	setInt(&t.MaxJitter, def.MaxJitter)
	setFloat(&t.MaxPacketLoss, def.MaxPacketLoss)
	setFloat(&t.MinMOS, def.MinMOS)
}

func (t *Tor) fixup(def *Tor) {
	if t.SOCKSAddr == "" {
		t.SOCKSAddr = def.SOCKSAddr
	}
	setInt(&t.VoicePort, def.VoicePort)
	setInt(&t.DialTimeout, def.DialTimeout)
	setInt(&t.HandshakeTimeout, def.HandshakeTimeout)
	setInt(&t.WriteTimeout, def.WriteTimeout)
	setInt(&t.InboundCapacity, def.InboundCapacity)
}

// Validate checks the logging configuration and normalizes the level.
func (l *Logging) Validate() error {
	lvl := strings.ToUpper(l.Level)
	switch lvl {
	case "ERROR", "WARNING", "INFO", "DEBUG":
	case "":
		lvl = DefaultLogLevel
	default:
		return fmt.Errorf("%w: Logging: Level '%v' is invalid", ErrInvalid, l.Level)
	}
	l.Level = lvl

	switch strings.ToLower(l.Format) {
	case "text", "json":
		l.Format = strings.ToLower(l.Format)
	case "":
		l.Format = DefaultLogFormat
	default:
		return fmt.Errorf("%w: Logging: Format '%v' is invalid", ErrInvalid, l.Format)
	}
	return nil
}

// Apply configures logger.
func (l *Logging) Apply(logger *logrus.Logger) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.Disable {
		logger.SetOutput(io.Discard)
		return nil
	}
	lvl, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	logger.SetLevel(lvl)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// SessionConfig returns the per-call settings.
func (c *Config) SessionConfig() av.SessionConfig {
	sc := av.DefaultSessionConfig()
	sc.Circuits = c.Call.Circuits
	sc.TeardownTimeout = fromMs(c.Call.TeardownTimeout)
	sc.RebuildTimeout = fromMs(c.Call.RebuildTimeout)
	sc.InboundCapacity = c.Call.InboundCapacity
	sc.FECAlpha = c.Call.FECAlpha

	sc.Jitter.FrameInterval = fromMs(c.Jitter.FrameInterval)
	sc.Jitter.SamplesPerFrame = c.Jitter.SamplesPerFrame
	sc.Jitter.InitialTargetMs = c.Jitter.InitialTargetMs
	sc.Jitter.MinTargetMs = c.Jitter.MinTargetMs
	sc.Jitter.MaxTargetMs = c.Jitter.MaxTargetMs
	sc.Jitter.GrowStepMs = c.Jitter.GrowStepMs
	sc.Jitter.ShrinkStepMs = c.Jitter.ShrinkStepMs
	sc.Jitter.ShrinkInterval = fromMs(c.Jitter.ShrinkInterval)
	sc.Jitter.StabilityWindow = fromMs(c.Jitter.StabilityWindow)
	sc.Jitter.ReorderGrace = fromMs(c.Jitter.ReorderGrace)
	sc.Jitter.FECGrace = fromMs(c.Jitter.FECGrace)
	sc.Jitter.ResyncThreshold = c.Jitter.ResyncThreshold
	sc.Jitter.MaxDepthFrames = c.Jitter.MaxDepthFrames

	sc.Scheduler.Circuits = c.Call.Circuits
	sc.Scheduler.BadRateWeight = c.Scheduler.BadRateWeight
	sc.Scheduler.EMAAlpha = c.Scheduler.EMAAlpha
	sc.Scheduler.DownAfterFailures = c.Scheduler.DownAfterFailures
	sc.Scheduler.RebuildThresholdPermille = c.Scheduler.RebuildThresholdPermille
	sc.Scheduler.PoorReportsBeforeRebuild = c.Scheduler.PoorReportsBeforeRebuild
	sc.Scheduler.RebuildCooldown = fromMs(c.Scheduler.RebuildCooldown)

	sc.TelemetryInterval = fromMs(c.Telemetry.Interval)
	sc.Quality.MaxOneWayLatency = fromMs(c.Telemetry.MaxOneWayLatency)
	sc.Quality.MaxJitter = fromMs(c.Telemetry.MaxJitter)
	sc.Quality.MaxPacketLoss = c.Telemetry.MaxPacketLoss
	sc.Quality.MinMOS = c.Telemetry.MinMOS
	return sc
}

// ManagerConfig returns the call manager settings.
func (c *Config) ManagerConfig() av.ManagerConfig {
	return av.ManagerConfig{
		Session:          c.SessionConfig(),
		OfferTimeout:     fromMs(c.Call.OfferTimeout),
		OfferRetransmit:  fromMs(c.Call.OfferRetransmit),
		AnsweredCacheTTL: fromMs(c.Call.AnsweredCacheTTL),
		EventBuffer:      c.Call.EventBuffer,
	}
}

// MediaFactory returns the audio endpoints for calls, decoding inbound audio
// with the configured codec.
func (c *Config) MediaFactory() (av.MediaFactory, error) {
	return av.CodecMedia(c.Call.Codec, c.Jitter.SamplesPerFrame)
}

// TorConfig returns the Tor transport settings.
func (c *Config) TorConfig() transport.TorConfig {
	return transport.TorConfig{
		SOCKSAddr:        c.Tor.SOCKSAddr,
		VoicePort:        c.Tor.VoicePort,
		DialTimeout:      fromMs(c.Tor.DialTimeout),
		HandshakeTimeout: fromMs(c.Tor.HandshakeTimeout),
		WriteTimeout:     fromMs(c.Tor.WriteTimeout),
		InboundCapacity:  c.Tor.InboundCapacity,
	}
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalid, undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func toMs(d time.Duration) int {
	return int(d / time.Millisecond)
}

func fromMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}
