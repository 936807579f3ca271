// Package telemetry provides OpenTelemetry metrics for learnd.
//
// Metrics are exposed over a Prometheus pull endpoint rather than pushed:
// the daemon runs on the same host as the model it tunes, and a scrape
// target is the lightest integration for a single-host deployment.
//
// # Usage
//
//	tel, err := telemetry.New(&telemetry.Config{
//		Enabled:     true,
//		ServiceName: "learnd",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	e.GET("/metrics", echo.WrapHandler(tel.Handler()))
//
// Telemetry failures never crash the pipeline; a failed exporter degrades
// to no-op instruments.
package telemetry
