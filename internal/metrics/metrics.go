package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mind-engage/mindengage-cbt/internal/exam"
)

// Sink counts domain events and exposes the latest scores.
type Sink struct {
	events     *prometheus.CounterVec
	strikes    prometheus.Histogram
	scoreRatio prometheus.Histogram
}

// NewSink registers the CBT collectors with reg.
func NewSink(reg prometheus.Registerer) *Sink {
	s := &Sink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cbt",
			Name:      "events_total",
			Help:      "Domain events emitted by the exam engine.",
		}, []string{"type"}),
		strikes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cbt",
			Name:      "infraction_strikes",
			Help:      "Strike count reached by each recorded infraction.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		scoreRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cbt",
			Name:      "submission_score_ratio",
			Help:      "Score over total of each submission.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}
	reg.MustRegister(s.events, s.strikes, s.scoreRatio)
	return s
}

func (s *Sink) Handle(_ context.Context, e exam.Event) error {
	s.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case exam.EventInfractionRecorded:
		s.strikes.Observe(float64(e.Strikes))
	case exam.EventResultSubmitted:
		if e.Total > 0 {
			s.scoreRatio.Observe(float64(e.Score) / float64(e.Total))
		}
	}
	return nil
}

var _ exam.EventSink = (*Sink)(nil)
