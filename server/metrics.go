package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/awinterman/anarchokv/command"
)

// registerMetrics creates the command metrics and the node gauges in reg.
func (n *Node) registerMetrics(reg *prometheus.Registry) (*command.Metrics, error) {
	m, err := command.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "anarchokv", Name: name, Help: help}, f)
	}
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		gauge("attached_slaves", "Slaves attached to this node.", func() float64 {
			return float64(len(n.Replication.Snapshot().Slaves))
		}),
		gauge("replication_epoch", "Role transitions since start.", func() float64 {
			return float64(n.Replication.Snapshot().Epoch)
		}),
		gauge("binlog_head_segment", "Segment the binlog is writing.", func() float64 {
			return float64(n.Binlog.Range().Head.Segment)
		}),
		gauge("binlog_oldest_segment", "Oldest retained binlog segment.", func() float64 {
			return float64(n.Binlog.Range().Oldest.Segment)
		}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// serveMetrics exposes reg on l until ctx is done.
func serveMetrics(ctx context.Context, l net.Listener, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		_ = srv.Close()
	})
	defer stop()

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
