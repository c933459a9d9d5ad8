// anarchokv-tail prints the write stream a node mirrors to kafka, one
// command per line, prefixed with its binlog position.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexflint/go-arg"

	"github.com/awinterman/anarchokv/binlog"
	"github.com/awinterman/anarchokv/kafka"
	"github.com/awinterman/anarchokv/protocol"
)

type config struct {
	KafkaBrokers []string `arg:"--kafka-brokers,required" env:"AK_KAFKA_BROKERS" help:"brokers the binlog is mirrored to"`
	KafkaTopic   string   `arg:"--kafka-topic" env:"AK_KAFKA_TOPIC" help:"topic the binlog is mirrored to" default:"anarchokv-binlog"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config
	arg.MustParse(&cfg)

	tail, err := kafka.NewTail(cfg.KafkaBrokers, "anarchokv-tail", cfg.KafkaTopic)
	if err != nil {
		slog.Error("exiting;", "error", err)
		os.Exit(1)
	}
	defer tail.Close()

	err = tail.Run(ctx, func(pos binlog.Position, record []byte) error {
		return printRecord(os.Stdout, pos, record)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("exiting;", "error", err)
		os.Exit(1)
	}
}

func printRecord(w io.Writer, pos binlog.Position, record []byte) error {
	cmds, err := protocol.ReadCommands(record)
	if err != nil {
		return fmt.Errorf("record at %s: %w", pos, err)
	}
	for _, args := range cmds {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", pos, strings.Join(args, " ")); err != nil {
			return err
		}
	}
	return nil
}
