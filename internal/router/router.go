package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"guardbench/internal/handler"
	"guardbench/internal/service"
)

// SetupRouter gatherer 为 nil 时 /metrics 使用默认注册表
func SetupRouter(svc *service.ServiceContext, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(logger), cors())

	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	r.GET("/metrics", gin.WrapH(metricsHandler))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 初始化handlers
	jobHandler := handler.NewJobHandler(svc.Orchestrator)
	catalogHandler := handler.NewCatalogHandler(svc.Datasets, svc.Guardrails, svc.Config.Model.Options)

	api := r.Group("/api")
	{
		// 评测任务
		jobs := api.Group("/jobs")
		{
			jobs.POST("", jobHandler.SubmitJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:id", jobHandler.GetJob)
			jobs.GET("/:id/results", jobHandler.GetResults)
			jobs.GET("/:id/summary", jobHandler.GetSummary)
			jobs.GET("/:id/report", jobHandler.GetReport)
			jobs.POST("/:id/cancel", jobHandler.CancelJob)
		}

		api.GET("/datasets", catalogHandler.ListDatasets)
		api.GET("/guardrails", catalogHandler.ListGuardrails)
		api.GET("/variants", catalogHandler.ListVariants)
		api.GET("/models", catalogHandler.ListModels)
	}

	return r
}
