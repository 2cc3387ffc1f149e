// Package metrics exports link protocol counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

const namespace = "zentalk_link"

// Discard reasons
const (
	ReasonNotHeader      = "not_header"
	ReasonUnexpectedPeer = "unexpected_peer"
	ReasonOther          = "other"
)

// Collector counts frames and exchanges. It implements protocol.Observer.
type Collector struct {
	framesSent *prometheus.CounterVec
	exchanges  *prometheus.CounterVec
	discarded  *prometheus.CounterVec
}

var _ protocol.Observer = (*Collector)(nil)

// NewCollector creates the counters and registers them on reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport and acknowledged, by frame kind.",
		}, []string{"kind"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Finished exchanges by direction and outcome.",
		}, []string{"direction", "outcome"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_frames_total",
			Help:      "Received frames dropped outside an exchange, by reason.",
		}, []string{"reason"}),
	}

	for _, col := range []prometheus.Collector{c.framesSent, c.exchanges, c.discarded} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return c, nil
}

// FrameSent counts an acknowledged frame
func (c *Collector) FrameSent(part protocol.FramePart) {
	c.framesSent.WithLabelValues(part.String()).Inc()
}

// FrameDiscarded counts a dropped frame
func (c *Collector) FrameDiscarded(reason error) {
	c.discarded.WithLabelValues(discardReason(reason)).Inc()
}

// ExchangeFinished counts one finished exchange. Polls that found nothing
// are not exchanges and are ignored.
func (c *Collector) ExchangeFinished(direction string, outcome protocol.Outcome) {
	if outcome == protocol.OutcomeNoMessage {
		return
	}
	c.exchanges.WithLabelValues(direction, outcome.String()).Inc()
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrNotHeader):
		return ReasonNotHeader
	case errors.Is(err, protocol.ErrUnexpectedPeer):
		return ReasonUnexpectedPeer
	default:
		return ReasonOther
	}
}
