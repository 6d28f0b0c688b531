// Package config parses kbsync and kbrelay settings. Values come from, in
// increasing precedence: built-in defaults, an optional YAML file, KBSYNC_*
// environment variables and command-line flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const envPrefix = "KBSYNC_"

const (
	DefaultPrefix     = "agent.0.sandbox.files.file"
	DefaultRoot       = "files"
	DefaultTopic      = "kbsync"
	DefaultUDPAddr    = ":40000"
	DefaultQueueBytes = 12_000_000
	DefaultRelayAddr  = ":8080"
)

// ReceiverConfig holds configuration for kbsync recv.
type ReceiverConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Prefix string `yaml:"prefix"`
	Root   string `yaml:"root"`

	UDP       []string `yaml:"udp"`
	Broadcast []string `yaml:"broadcast"`
	Multicast []string `yaml:"multicast"`
	Interface string   `yaml:"interface"`
	QUIC      string   `yaml:"quic"`
	RelayURL  string   `yaml:"relay_url"`
	Topic     string   `yaml:"topic"`
	PeerID    string   `yaml:"peer_id"`

	// QueueBytes sizes socket receive buffers, bounding the receive queue.
	QueueBytes      int           `yaml:"queue_length"`
	WriteQueueDepth int           `yaml:"write_queue_depth"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	Resume          bool          `yaml:"resume"`

	// Watch lists relative paths whose progress is polled and printed.
	Watch          []string      `yaml:"watch"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Verify         bool          `yaml:"verify"`
	ExitOnComplete bool          `yaml:"exit_on_complete"`
	// Duration stops the receiver after this long. Zero runs until interrupted.
	Duration time.Duration `yaml:"duration"`
}

// SenderConfig holds configuration for kbsync send.
type SenderConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Prefix string   `yaml:"prefix"`
	Paths  []string `yaml:"paths"`
	// As renames a single published file.
	As string `yaml:"as"`

	UDP       []string `yaml:"udp"`
	// Broadcast lists subnet broadcast destinations, e.g. 192.168.1.255:40000.
	Broadcast []string `yaml:"broadcast"`
	Multicast []string `yaml:"multicast"`
	Interface string   `yaml:"interface"`
	TTL       int      `yaml:"ttl"`
	QUIC      []string `yaml:"quic"`
	RelayURL  string   `yaml:"relay_url"`
	Topic     string   `yaml:"topic"`
	PeerID    string   `yaml:"peer_id"`

	QueueBytes    int           `yaml:"queue_length"`
	FragmentSize  int           `yaml:"fragment_size"`
	Rounds        int           `yaml:"rounds"`
	RoundInterval time.Duration `yaml:"round_interval"`
	BytesPerSec   float64       `yaml:"rate"`
	Shuffle       bool          `yaml:"shuffle"`
	Origin        string        `yaml:"origin"`
	// Parallel bounds how many files are published at once.
	Parallel int `yaml:"parallel"`
}

// RelayConfig holds configuration for kbrelay.
type RelayConfig struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	MsgsPerSec      float64       `yaml:"msgs_per_sec"`
	MsgBurst        int           `yaml:"msg_burst"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	QueueDepth      int           `yaml:"queue_depth"`
}

// ParseReceiverConfig parses kbsync recv arguments.
func ParseReceiverConfig(args []string) (ReceiverConfig, error) {
	return parseReceiverConfigWithFlagSet(flag.NewFlagSet("kbsync recv", flag.ExitOnError), args)
}

func parseReceiverConfigWithFlagSet(fs *flag.FlagSet, args []string) (ReceiverConfig, error) {
	cfg := ReceiverConfig{
		LogLevel:     "info",
		LogFormat:    "text",
		Prefix:       DefaultPrefix,
		Root:         DefaultRoot,
		Topic:        DefaultTopic,
		PeerID:       generatePeerID(),
		QueueBytes:   DefaultQueueBytes,
		WriteTimeout: 5 * time.Second,
		PollInterval: time.Second,
	}
	path, err := loadFile(fs, args, &cfg)
	if err != nil {
		return cfg, err
	}

	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.LogFormat, "LOG_FORMAT")
	envString(&cfg.Prefix, "PREFIX")
	envString(&cfg.Root, "ROOT")
	envList(&cfg.UDP, "UDP")
	envList(&cfg.Broadcast, "BROADCAST")
	envList(&cfg.Multicast, "MULTICAST")
	envString(&cfg.Interface, "INTERFACE")
	envString(&cfg.QUIC, "QUIC")
	envString(&cfg.RelayURL, "RELAY_URL")
	envString(&cfg.Topic, "TOPIC")
	envString(&cfg.PeerID, "PEER_ID")
	if err := envInt(&cfg.QueueBytes, "QUEUE_LENGTH"); err != nil {
		return cfg, err
	}
	if err := envBool(&cfg.Resume, "RESUME"); err != nil {
		return cfg, err
	}

	fs.StringVar(&path, "config", path, "YAML settings file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "key namespace prefix")
	fs.StringVar(&cfg.Root, "root", cfg.Root, "destination directory")
	fs.Var(newListValue(&cfg.UDP), "udp", "UDP listen address (repeatable)")
	fs.Var(newListValue(&cfg.Broadcast), "broadcast", "UDP listen address for broadcast traffic, e.g. :40000 (repeatable)")
	fs.Var(newListValue(&cfg.Multicast), "multicast", "multicast group:port to join (repeatable)")
	fs.StringVar(&cfg.Interface, "interface", cfg.Interface, "network interface for multicast")
	fs.StringVar(&cfg.QUIC, "quic", cfg.QUIC, "QUIC listen address")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "relay WebSocket URL, e.g. ws://host:8080/ws")
	fs.StringVar(&cfg.Topic, "topic", cfg.Topic, "relay topic")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.IntVar(&cfg.QueueBytes, "queue-length", cfg.QueueBytes, "receive queue size in bytes")
	fs.IntVar(&cfg.WriteQueueDepth, "write-queue", cfg.WriteQueueDepth, "per-file pending write queue depth")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-write timeout before a file is marked faulted")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "retire files idle this long (0 keeps them)")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "persist received ranges and resume after restart")
	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "progress poll interval")
	fs.BoolVar(&cfg.Verify, "verify", cfg.Verify, "confirm on-disk checksums when reporting progress")
	fs.BoolVar(&cfg.ExitOnComplete, "exit-on-complete", cfg.ExitOnComplete, "exit once every watched file is complete")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "stop after this long (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		cfg.Watch = append(cfg.Watch, fs.Args()...)
	}

	if len(cfg.UDP) == 0 && len(cfg.Broadcast) == 0 && len(cfg.Multicast) == 0 && cfg.QUIC == "" && cfg.RelayURL == "" {
		cfg.UDP = []string{DefaultUDPAddr}
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c ReceiverConfig) Validate() error {
	if c.Prefix == "" || c.Root == "" {
		return errors.New("prefix and root are required")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.ExitOnComplete && len(c.Watch) == 0 {
		return errors.New("exit-on-complete needs at least one watched file")
	}
	return nil
}

// ParseSenderConfig parses kbsync send arguments.
func ParseSenderConfig(args []string) (SenderConfig, error) {
	return parseSenderConfigWithFlagSet(flag.NewFlagSet("kbsync send", flag.ExitOnError), args)
}

func parseSenderConfigWithFlagSet(fs *flag.FlagSet, args []string) (SenderConfig, error) {
	cfg := SenderConfig{
		LogLevel:   "info",
		LogFormat:  "text",
		Prefix:     DefaultPrefix,
		Topic:      DefaultTopic,
		PeerID:     generatePeerID(),
		QueueBytes: DefaultQueueBytes,
		Rounds:     1,
		Parallel:   1,
	}
	path, err := loadFile(fs, args, &cfg)
	if err != nil {
		return cfg, err
	}

	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.LogFormat, "LOG_FORMAT")
	envString(&cfg.Prefix, "PREFIX")
	envList(&cfg.UDP, "UDP")
	envList(&cfg.Broadcast, "BROADCAST")
	envList(&cfg.Multicast, "MULTICAST")
	envString(&cfg.Interface, "INTERFACE")
	envList(&cfg.QUIC, "QUIC")
	envString(&cfg.RelayURL, "RELAY_URL")
	envString(&cfg.Topic, "TOPIC")
	envString(&cfg.PeerID, "PEER_ID")
	envString(&cfg.Origin, "ORIGIN")
	if err := envInt(&cfg.Rounds, "ROUNDS"); err != nil {
		return cfg, err
	}

	fs.StringVar(&path, "config", path, "YAML settings file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "key namespace prefix")
	fs.StringVar(&cfg.As, "as", cfg.As, "relative name for a single published file")
	fs.Var(newListValue(&cfg.UDP), "udp", "receiver UDP address (repeatable)")
	fs.Var(newListValue(&cfg.Broadcast), "broadcast", "broadcast address:port, e.g. 192.168.1.255:40000 (repeatable)")
	fs.Var(newListValue(&cfg.Multicast), "multicast", "multicast group:port (repeatable)")
	fs.StringVar(&cfg.Interface, "interface", cfg.Interface, "network interface for multicast")
	fs.IntVar(&cfg.TTL, "ttl", cfg.TTL, "multicast TTL")
	fs.Var(newListValue(&cfg.QUIC), "quic", "receiver QUIC address (repeatable)")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "relay WebSocket URL")
	fs.StringVar(&cfg.Topic, "topic", cfg.Topic, "relay topic")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "origin id stamped on updates (default random)")
	fs.IntVar(&cfg.QueueBytes, "queue-length", cfg.QueueBytes, "send buffer size in bytes")
	fs.IntVar(&cfg.FragmentSize, "fragment-size", cfg.FragmentSize, "fragment payload size in bytes")
	fs.IntVar(&cfg.Rounds, "rounds", cfg.Rounds, "times to publish every file")
	fs.DurationVar(&cfg.RoundInterval, "round-interval", cfg.RoundInterval, "pause between rounds")
	fs.Float64Var(&cfg.BytesPerSec, "rate", cfg.BytesPerSec, "payload bytes per second (0 is unpaced)")
	fs.BoolVar(&cfg.Shuffle, "shuffle", cfg.Shuffle, "publish fragments in random order")
	fs.IntVar(&cfg.Parallel, "parallel", cfg.Parallel, "files published concurrently")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		cfg.Paths = append(cfg.Paths, fs.Args()...)
	}

	if len(cfg.UDP) == 0 && len(cfg.Broadcast) == 0 && len(cfg.Multicast) == 0 && len(cfg.QUIC) == 0 && cfg.RelayURL == "" {
		cfg.UDP = []string{"127.0.0.1" + DefaultUDPAddr}
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c SenderConfig) Validate() error {
	if c.Prefix == "" {
		return errors.New("prefix is required")
	}
	if len(c.Paths) == 0 {
		return errors.New("at least one path to publish is required")
	}
	if c.As != "" && len(c.Paths) != 1 {
		return errors.New("-as applies to a single path")
	}
	if c.Rounds < 1 {
		return errors.New("rounds must be at least 1")
	}
	if c.BytesPerSec < 0 {
		return errors.New("rate must not be negative")
	}
	if c.Parallel < 1 || c.Parallel > 32 {
		return errors.New("parallel must be between 1 and 32")
	}
	return nil
}

// ParseRelayConfig parses kbrelay configuration from flags and environment variables.
func ParseRelayConfig() (RelayConfig, error) {
	return parseRelayConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseRelayConfigWithFlagSet(fs *flag.FlagSet, args []string) (RelayConfig, error) {
	cfg := RelayConfig{
		Addr:            DefaultRelayAddr,
		LogLevel:        "info",
		LogFormat:       "text",
		MaxMessageBytes: 1 << 20,
		MsgsPerSec:      5000,
		MsgBurst:        10000,
		IdleTimeout:     10 * time.Minute,
		QueueDepth:      1024,
	}
	path, err := loadFile(fs, args, &cfg)
	if err != nil {
		return cfg, err
	}

	envString(&cfg.Addr, "ADDR")
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.LogFormat, "LOG_FORMAT")

	fs.StringVar(&path, "config", path, "YAML settings file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.Float64Var(&cfg.MsgsPerSec, "ws-msgs-per-sec", cfg.MsgsPerSec, "max messages per second per connection (0 disables)")
	fs.IntVar(&cfg.MsgBurst, "ws-msgs-burst", cfg.MsgBurst, "message burst per connection")
	fs.DurationVar(&cfg.IdleTimeout, "ws-idle-timeout", cfg.IdleTimeout, "close connections idle this long (0 disables)")
	fs.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "per-subscriber queue depth")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadFile reads the YAML file named by -config in args, or by KBSYNC_CONFIG,
// into cfg. It runs before flags are registered so flag defaults reflect it.
func loadFile(fs *flag.FlagSet, args []string, cfg any) (string, error) {
	path := os.Getenv(envPrefix + "CONFIG")
	if p, ok := scanFlag(args, "config"); ok {
		path = p
	}
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return path, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// an empty file decodes to io.EOF and means no settings
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return path, fmt.Errorf("parse config %s (%s): %w", path, fs.Name(), err)
	}
	return path, nil
}

// scanFlag finds -name value, --name value, -name=value or --name=value
// ahead of normal flag parsing.
func scanFlag(args []string, name string) (string, bool) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		trimmed := strings.TrimLeft(a, "-")
		if trimmed == a || len(a)-len(trimmed) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, name+"="); ok {
			return v, true
		}
		if trimmed == name && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func envString(dst *string, name string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envList(dst *[]string, name string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = splitList(v)
	}
}

func envInt(dst *int, name string) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func envBool(dst *bool, name string) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = b
	return nil
}

// generatePeerID returns a short random identifier for relay connections.
func generatePeerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// listValue is a repeatable, comma-splitting flag. The first use on the
// command line replaces values that came from the file or environment.
type listValue struct {
	dst *[]string
	set bool
}

func newListValue(dst *[]string) *listValue { return &listValue{dst: dst} }

func (l *listValue) String() string {
	if l == nil || l.dst == nil {
		return ""
	}
	return strings.Join(*l.dst, ",")
}

func (l *listValue) Set(value string) error {
	if !l.set {
		*l.dst = nil
		l.set = true
	}
	*l.dst = append(*l.dst, splitList(value)...)
	return nil
}

var _ flag.Value = (*listValue)(nil)
