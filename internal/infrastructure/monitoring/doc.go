/*
Package monitoring collects Prometheus metrics for the map service.

Metrics live on a private registry exposed through Handler. Metrics
implements session.Recorder, so sessions report samples, reconciliation
decisions, readiness transitions and sandbox message kinds directly.

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
