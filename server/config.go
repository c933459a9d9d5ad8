package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/awinterman/anarchokv/replication"
)

type Config struct {
	Address   string `arg:"--address" env:"AK_LISTEN_ADDRESS" help:"address to listen on" default:"localhost:9221"`
	Advertise string `arg:"--advertise" env:"AK_ADVERTISE_ADDRESS" help:"address this node is known by; defaults to the listen address"`
	DataDir   string `arg:"--data-dir" env:"AK_DATA_DIR" help:"badger directory; empty keeps everything in memory"`
	Databases int    `arg:"--databases" env:"AK_DATABASES" help:"number of databases" default:"16"`

	RequirePass string `arg:"--requirepass" env:"AK_REQUIREPASS" help:"admin password"`
	UserPass    string `arg:"--userpass" env:"AK_USERPASS" help:"password granting read and write"`
	MasterAuth  string `arg:"--masterauth" env:"AK_MASTERAUTH" help:"password sent to the master"`

	SlaveOf           string        `arg:"--slaveof" env:"AK_SLAVEOF" help:"host:port of a master to replicate at startup"`
	SlaveReadOnly     bool          `arg:"--slave-read-only" env:"AK_SLAVE_READ_ONLY" help:"refuse writes while a slave" default:"true"`
	ReplHeartbeat     time.Duration `arg:"--repl-heartbeat" env:"AK_REPL_HEARTBEAT" help:"interval between polls of the master once caught up" default:"1s"`
	ReplRetry         time.Duration `arg:"--repl-retry" env:"AK_REPL_RETRY" help:"delay before reconnecting to a failed master" default:"1s"`
	BinlogSegmentSize uint64        `arg:"--binlog-segment-size" env:"AK_BINLOG_SEGMENT_SIZE" help:"bytes per binlog segment" default:"104857600"`

	CommandPoolSize int32 `arg:"--command-pool-size" env:"AK_COMMAND_POOL_SIZE" help:"concurrent invocations of one command" default:"64"`

	KafkaBrokers []string `arg:"--kafka-brokers" env:"AK_KAFKA_BROKERS" help:"mirror the binlog to these brokers"`
	KafkaTopic   string   `arg:"--kafka-topic" env:"AK_KAFKA_TOPIC" help:"topic the binlog is mirrored to" default:"anarchokv-binlog"`

	MetricsAddress string `arg:"--metrics-address" env:"AK_METRICS_ADDRESS" help:"serve prometheus metrics on this address"`

	LogLevel slog.Level `arg:"--log-level" env:"AK_LOG_LEVEL" help:"DEBUG, INFO, WARN or ERROR" default:"INFO"`
}

// Parse reads the configuration from args and the environment. Asking for
// help prints it and returns arg.ErrHelp.
func Parse(args []string) (*Config, error) {
	var c Config
	p, err := arg.NewParser(arg.Config{Program: "anarchokv"}, &c)
	if err != nil {
		return nil, err
	}
	err = p.Parse(args)
	if errors.Is(err, arg.ErrHelp) {
		p.WriteHelp(os.Stdout)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if c.Databases < 1 {
		return nil, fmt.Errorf("databases must be positive, got %d", c.Databases)
	}
	return &c, nil
}

// self is the endpoint this node is known by.
func (c *Config) self() (replication.Endpoint, error) {
	addr := c.Advertise
	if addr == "" {
		addr = c.Address
	}
	return parseEndpoint(addr)
}

// master is the configured master, if any.
func (c *Config) master() (replication.Endpoint, bool, error) {
	if c.SlaveOf == "" {
		return replication.Endpoint{}, false, nil
	}
	ep, err := parseEndpoint(c.SlaveOf)
	return ep, err == nil, err
}

func parseEndpoint(addr string) (replication.Endpoint, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return replication.Endpoint{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return replication.Endpoint{}, fmt.Errorf("port of %q: %w", addr, err)
	}
	return replication.Endpoint{Host: replication.NormalizeHost(host), Port: p}, nil
}
