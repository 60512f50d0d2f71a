package main

import (
	"net/http"

	echo "github.com/labstack/echo/v4"
	"github.com/jsirois/bazel-buildfarm/pkg/instance"
	"github.com/jsirois/bazel-buildfarm/pkg/log"
	"github.com/jsirois/bazel-buildfarm/pkg/utils"
)

// serveHttp exposes a /metrics endpoint (queue depth and parked-worker
// gauges) and
// /debug/pprof, the same surface the teacher's cmd/scheduler main.go wraps
// around its dashboard and logstash handlers.
func serveHttp(inst *instance.Instance, uri string) {
	host, err := utils.ParseHttpUrl(uri)
	if err != nil {
		log.Fatal(err)
	}

	r := echo.New()
	r.HideBanner = true
	r.Use(utils.HttpLogger)
	r.Add(echo.GET, "/debug/pprof/*", echo.WrapHandler(http.DefaultServeMux))

	r.GET("/metrics", func(c echo.Context) error {
		return c.String(http.StatusOK, inst.Metrics())
	})

	log.Info("Listening on http", host)
	if err := r.Start(host); err != nil {
		log.Fatal(err)
	}
}
