package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberutils "github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-peer-api/internal/observability"
)

// APIPrefix is the route prefix of the assessment endpoints covered by request metrics.
const APIPrefix = "/api/v1/ora"

// requestLabels identifies a finished request in metrics and logs. Every field is copied out
// of fasthttp's buffers: label values outlive the request inside the metric vectors.
type requestLabels struct {
	method string
	route  string
	status int
}

func labelsFor(c *fiber.Ctx) requestLabels {
	route := c.Path()
	if r := c.Route(); r != nil && r.Path != "" {
		route = r.Path
	}
	return requestLabels{
		method: fiberutils.CopyString(c.Method()),
		route:  fiberutils.CopyString(route),
		status: c.Response().StatusCode(),
	}
}

// Observability records request counters, latency histograms and one structured log line per
// assessment request. Routes outside APIPrefix pass through untouched.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), APIPrefix) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		labels := labelsFor(c)
		record(labels, elapsed)

		event := logEvent(logger, labels.status)
		event.
			Str("correlation_id", GetCorrelationID(c)).
			Str("route", labels.route).
			Str("method", labels.method).
			Int("status", labels.status).
			Dur("latency", elapsed).
			Str("latency_bucket", latencyBucket(elapsed)).
			Msg("request completed")

		return err
	}
}

func record(labels requestLabels, elapsed time.Duration) {
	status := strconv.Itoa(labels.status)
	observability.Requests().WithLabelValues(labels.method, labels.route, status).Inc()
	observability.Latency().WithLabelValues(labels.method, labels.route).Observe(elapsed.Seconds())
	if labels.status >= fiber.StatusBadRequest {
		observability.Errors().WithLabelValues(labels.method, labels.route, status).Inc()
	}
}

func logEvent(logger zerolog.Logger, status int) *zerolog.Event {
	switch {
	case status >= fiber.StatusInternalServerError:
		return logger.Error()
	case status >= fiber.StatusBadRequest:
		return logger.Warn()
	default:
		return logger.Info()
	}
}

func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 25*time.Millisecond:
		return "<=25ms"
	case duration <= 50*time.Millisecond:
		return "<=50ms"
	case duration <= 100*time.Millisecond:
		return "<=100ms"
	case duration <= 250*time.Millisecond:
		return "<=250ms"
	case duration <= 500*time.Millisecond:
		return "<=500ms"
	default:
		return ">500ms"
	}
}
