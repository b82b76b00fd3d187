/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/matrixinfer-ai/dynabatch/internal/logger"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/config"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/executor"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

var log = logger.New("app")

var (
	serveConfigPath  string
	serveAddr        string
	serveEchoLatency time.Duration
	serveRateLimit   float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler behind an HTTP transport adapter",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to a scheduler config YAML file (defaults built in if empty)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "address to serve HTTP on")
	serveCmd.Flags().DurationVar(&serveEchoLatency, "echo-latency", 5*time.Millisecond, "simulated compute latency of the built-in echo executor")
	serveCmd.Flags().Float64Var(&serveRateLimit, "rate-limit", 0, "requests/sec accepted on /v1/infer; 0 disables limiting")
}

func loadConfig(path string) (config.SchedulerConfig, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config.SchedulerConfig{}, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config.SchedulerConfig{}, err
	}
	return cfg, nil
}

func defaultConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		RunnerCount:    4,
		PriorityLevels: 3,
		Model: config.ModelConstraints{
			MaxBatchSize:           32,
			PreferredBatchSizes:    []int64{1, 2, 4, 8, 16, 32},
			MaxQueueDelay:          10 * time.Millisecond,
			DynamicBatchingEnabled: true,
		},
		DefaultQueue: config.QueuePolicy{
			MaxQueueSize:   4096,
			DefaultTimeout: 30 * time.Second,
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec := &executor.Echo{Latency: serveEchoLatency}
	sched, err := batchsched.Create(ctx, cfg, exec)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if serveRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(serveRateLimit), int(serveRateLimit))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/readyz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/v1/infer", newInferHandler(sched, limiter))

	srv := &http.Server{Addr: serveAddr, Handler: router}
	go func() {
		log.WithField("addr", serveAddr).Info("serving")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server exited")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return sched.Shutdown(shutdownCtx)
}

type tensorPayload struct {
	Name    string  `json:"name"`
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Payload []byte  `json:"payload"`
}

type inferRequestBody struct {
	Priority        int             `json:"priority"`
	Inputs          []tensorPayload `json:"inputs"`
	RequestedOutput []string        `json:"requestedOutput"`
}

type inferResponseBody struct {
	CorrelationID string          `json:"correlationId"`
	Outputs       []tensorPayload `json:"outputs,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func newInferHandler(sched *batchsched.Scheduler, limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, inferResponseBody{Error: "rate limit exceeded"})
			return
		}

		var body inferRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, inferResponseBody{Error: err.Error()})
			return
		}

		correlationID := uuid.NewString()
		inputs := make([]request.Tensor, len(body.Inputs))
		for i, t := range body.Inputs {
			inputs[i] = request.Tensor{Name: t.Name, DType: t.DType, Shape: t.Shape, Payload: t.Payload}
		}

		done := make(chan request.Response, 1)
		r := request.New(correlationID, body.Priority, inputs, body.RequestedOutput, func(resp request.Response) {
			done <- resp
		})

		if err := sched.Enqueue(r); err != nil {
			c.JSON(http.StatusBadRequest, inferResponseBody{CorrelationID: correlationID, Error: err.Error()})
			return
		}

		select {
		case resp := <-done:
			writeInferResponse(c, correlationID, resp)
		case <-c.Request.Context().Done():
			c.JSON(http.StatusGatewayTimeout, inferResponseBody{CorrelationID: correlationID, Error: "client disconnected"})
		}
	}
}

func writeInferResponse(c *gin.Context, correlationID string, resp request.Response) {
	if resp.Err != nil {
		status := http.StatusInternalServerError
		switch resp.Err.Kind {
		case request.ErrorValidation:
			status = http.StatusBadRequest
		case request.ErrorQueueFull:
			status = http.StatusServiceUnavailable
		case request.ErrorTimeout:
			status = http.StatusGatewayTimeout
		case request.ErrorShutdown:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, inferResponseBody{CorrelationID: correlationID, Error: resp.Err.Error()})
		return
	}

	outputs := make([]tensorPayload, len(resp.Outputs))
	for i, t := range resp.Outputs {
		outputs[i] = tensorPayload{Name: t.Name, DType: t.DType, Shape: t.Shape, Payload: t.Payload}
	}
	c.JSON(http.StatusOK, inferResponseBody{CorrelationID: correlationID, Outputs: outputs})
}
