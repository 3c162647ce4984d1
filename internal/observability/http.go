package observability

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const scrapeTimeout = 10 * time.Second

// scrapeErrorLog routes promhttp gathering errors into the service log.
type scrapeErrorLog struct {
	logger zerolog.Logger
}

func (l scrapeErrorLog) Println(v ...interface{}) {
	l.logger.Error().Str("component", "metrics").Msg(fmt.Sprint(v...))
}

// MetricsHandler serves the default registry. A collector that fails to gather is logged
// and skipped so the remaining series are still scraped.
func MetricsHandler(logger zerolog.Logger) fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog:          scrapeErrorLog{logger: logger},
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
		Timeout:           scrapeTimeout,
	}))
}
