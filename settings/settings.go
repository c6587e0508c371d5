// Package settings builds the cluster-controller's process-wide
// configuration: a functional-options Options struct populated either in
// code or from one or more `.settings` files. The legacy `.settings`
// format is a flat `key=value` file with `#`-prefixed comments, predating
// and not matching ini/toml/yaml, so this one corner of configuration
// stays on the standard library.
package settings

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/carmesh/cc/accesscontrol"
)

// Options is the cluster-controller's resolved configuration.
type Options struct {
	Logger *slog.Logger

	PersistenceDir string

	MqttBrokerURI   string
	MqttTopicPrefix string
	Gbid            string

	WebSocketListenAddr string
	HttpChannelEndpoint string

	AccessControlMode accesscontrol.Mode

	SchedulerWorkers int
}

// Option configures Options.
type Option func(*Options)

func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithPersistenceDir(dir string) Option { return func(o *Options) { o.PersistenceDir = dir } }

func WithMqttBrokerURI(uri string) Option { return func(o *Options) { o.MqttBrokerURI = uri } }

func WithMqttTopicPrefix(prefix string) Option {
	return func(o *Options) { o.MqttTopicPrefix = prefix }
}

func WithGbid(gbid string) Option { return func(o *Options) { o.Gbid = gbid } }

func WithWebSocketListenAddr(addr string) Option {
	return func(o *Options) { o.WebSocketListenAddr = addr }
}

func WithHttpChannelEndpoint(endpoint string) Option {
	return func(o *Options) { o.HttpChannelEndpoint = endpoint }
}

func WithAccessControlMode(m accesscontrol.Mode) Option {
	return func(o *Options) { o.AccessControlMode = m }
}

func WithSchedulerWorkers(n int) Option { return func(o *Options) { o.SchedulerWorkers = n } }

// New builds an Options with sensible defaults, then applies opts.
func New(opts ...Option) *Options {
	o := &Options{
		Logger:            slog.Default(),
		PersistenceDir:    "/var/lib/cluster-controller",
		MqttTopicPrefix:   "joynr",
		AccessControlMode: accesscontrol.ModeEnforce,
		SchedulerWorkers:  6,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Load reads one `.settings` file, applying every recognized `key=value`
// line onto o. Unrecognized keys are logged and otherwise ignored rather
// than failing the whole load.
func (o *Options) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("settings: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("settings: %s:%d: malformed line %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		o.apply(key, value)
	}
	return scanner.Err()
}

// LoadFiles loads every path in order; later files override earlier ones
// for any key both set.
func (o *Options) LoadFiles(paths []string) error {
	for _, p := range paths {
		if err := o.Load(p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Options) apply(key, value string) {
	switch key {
	case "cluster-controller.persistence-dir":
		o.PersistenceDir = value
	case "cluster-controller.mqtt.broker-uri":
		o.MqttBrokerURI = value
	case "cluster-controller.mqtt.topic-prefix":
		o.MqttTopicPrefix = value
	case "cluster-controller.gbid":
		o.Gbid = value
	case "cluster-controller.websocket.listen-addr":
		o.WebSocketListenAddr = value
	case "cluster-controller.http-channel.endpoint":
		o.HttpChannelEndpoint = value
	case "cluster-controller.access-control.mode":
		switch value {
		case "enforce":
			o.AccessControlMode = accesscontrol.ModeEnforce
		case "audit-only":
			o.AccessControlMode = accesscontrol.ModeAuditOnly
		case "disabled":
			o.AccessControlMode = accesscontrol.ModeDisabled
		default:
			o.Logger.Warn("settings: unknown access-control mode, ignoring", "value", value)
		}
	case "cluster-controller.scheduler.workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			o.Logger.Warn("settings: invalid scheduler.workers, ignoring", "value", value)
			return
		}
		o.SchedulerWorkers = n
	default:
		o.Logger.Debug("settings: ignoring unrecognized key", "key", key)
	}
}
