package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/apex-x/inference-envelope/internal/dispatch"
	"github.com/apex-x/inference-envelope/internal/envelope"
)

const (
	routeLegacyPredict = "/predictions/{model}"
	routeV1Predict     = "/v1/models/{model:[^/:]+}:predict"
	routeV2Infer       = "/v2/models/{model}/infer"
	routeV2Model       = "/v2/models/{model}"

	defaultMaxRequestBytes = 32 << 20
	platformName           = "envelope-runtime"
)

type HTTPServiceConfig struct {
	Workers         int
	QueueSize       int
	PredictTimeout  time.Duration
	MaxRequestBytes int64
	// Metrics should be the same instance passed to the dispatcher as its
	// observer. A nil value creates a private one.
	Metrics *Metrics
	Logger  *zap.Logger
	// Hooks receive predict and pool events after Metrics does.
	Hooks TelemetryHooks
}

type HTTPService struct {
	dispatcher *dispatch.Dispatcher
	model      ModelContext
	pool       *WorkerPool
	metrics    *Metrics

	predictTimeout  time.Duration
	maxRequestBytes int64
	logger          *zap.Logger
	hooks           TelemetryHooks
}

func NewHTTPService(dispatcher *dispatch.Dispatcher, model ModelContext, cfg HTTPServiceConfig) (*HTTPService, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher must not be nil")
	}
	if model.ModelName() == "" {
		return nil, errors.New("model context must carry a model name")
	}
	if cfg.PredictTimeout < 0 {
		return nil, fmt.Errorf("predict timeout must be >= 0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	hooks := MultiTelemetryHooks{metrics, cfg.Hooks}
	maxRequestBytes := cfg.MaxRequestBytes
	if maxRequestBytes <= 0 {
		maxRequestBytes = defaultMaxRequestBytes
	}
	pool, err := NewWorkerPool(WorkerPoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    logger,
		Hooks:     hooks,
	})
	if err != nil {
		return nil, err
	}
	pool.Start()
	return &HTTPService{
		dispatcher:      dispatcher,
		model:           model,
		pool:            pool,
		metrics:         metrics,
		predictTimeout:  cfg.PredictTimeout,
		maxRequestBytes: maxRequestBytes,
		logger:          logger,
		hooks:           hooks,
	}, nil
}

// RegisterRoutes mounts the predict route of the bound protocol plus the
// health, metadata and metrics routes.
func (s *HTTPService) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v2/health/live", s.handleLive).Methods(http.MethodGet)
	router.HandleFunc("/v2/health/ready", s.handleReady).Methods(http.MethodGet)
	router.HandleFunc(routeV2Model, s.handleModelMetadata).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	switch s.dispatcher.Protocol() {
	case envelope.ProtocolLegacy:
		router.HandleFunc(routeLegacyPredict, s.predictHandler(routeLegacyPredict)).Methods(http.MethodPost)
	case envelope.ProtocolV1:
		router.HandleFunc(routeV1Predict, s.predictHandler(routeV1Predict)).Methods(http.MethodPost)
	case envelope.ProtocolV2:
		router.HandleFunc(routeV2Infer, s.predictHandler(routeV2Infer)).Methods(http.MethodPost)
	}
	router.NotFoundHandler = http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writeError(writer, http.StatusNotFound, "route not found", "")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writeError(writer, http.StatusMethodNotAllowed, "method not allowed", "")
	})
}

func (s *HTTPService) Close() error {
	s.pool.Stop()
	return nil
}

func (s *HTTPService) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.pool.Stopped() {
		status = "stopping"
	}
	writeJSON(writer, http.StatusOK, healthResponse{
		Status:   status,
		Model:    s.model.ModelName(),
		Protocol: string(s.dispatcher.Protocol()),
	})
}

func (s *HTTPService) handleLive(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, liveResponse{Live: true})
}

func (s *HTTPService) handleReady(writer http.ResponseWriter, _ *http.Request) {
	if s.pool.Stopped() {
		writeJSON(writer, http.StatusServiceUnavailable, readyResponse{Ready: false})
		return
	}
	writeJSON(writer, http.StatusOK, readyResponse{Ready: true})
}

func (s *HTTPService) handleModelMetadata(writer http.ResponseWriter, request *http.Request) {
	if !s.servesModel(request) {
		writeError(writer, http.StatusNotFound, fmt.Sprintf("model %q is not served here", mux.Vars(request)["model"]), codeNotFound)
		return
	}
	versions := []string{}
	if s.model.ModelVersion() != "" {
		versions = append(versions, s.model.ModelVersion())
	}
	writeJSON(writer, http.StatusOK, modelMetadataResponse{
		Name:     s.model.ModelName(),
		Versions: versions,
		Platform: platformName,
		Protocol: string(s.dispatcher.Protocol()),
	})
}

func (s *HTTPService) predictHandler(route string) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		start := time.Now()
		event := PredictEvent{
			Route:     route,
			RequestID: RequestIDFromContext(request.Context()),
			Protocol:  s.dispatcher.Protocol(),
		}
		s.hooks.OnPredictStart(request.Context(), event)

		status, err := s.servePredict(writer, request)

		elapsed := time.Since(start)
		event.Status, event.Duration, event.Err = status, elapsed, err
		s.hooks.OnPredictDone(request.Context(), event)
		if err != nil {
			s.logger.Warn(
				"predict_request_failed",
				zap.String("request_id", event.RequestID),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug(
			"predict_request_done",
			zap.String("request_id", event.RequestID),
			zap.String("route", route),
			zap.Duration("duration", elapsed),
		)
	}
}

func (s *HTTPService) servePredict(writer http.ResponseWriter, request *http.Request) (int, error) {
	if !s.servesModel(request) {
		err := fmt.Errorf("model %q is not served here", mux.Vars(request)["model"])
		writeError(writer, http.StatusNotFound, err.Error(), codeNotFound)
		return http.StatusNotFound, err
	}

	raw, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, s.maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(writer, http.StatusRequestEntityTooLarge, err.Error(), codeTooLarge)
			return http.StatusRequestEntityTooLarge, err
		}
		writeError(writer, http.StatusBadRequest, fmt.Sprintf("failed to read request body: %v", err), "")
		return http.StatusBadRequest, err
	}

	ctx := request.Context()
	if s.predictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.predictTimeout)
		defer cancel()
	}

	response, err := s.Predict(ctx, raw)
	if err != nil {
		status, code := classifyError(err)
		// A handler interrupted by the deadline reports its own failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			status, code = classifyError(ctxErr)
			if !errors.Is(err, ctxErr) {
				err = fmt.Errorf("%w: %w", ctxErr, err)
			}
		}
		writeError(writer, status, err.Error(), code)
		return status, err
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusOK)
	_, _ = writer.Write(response)
	return http.StatusOK, nil
}

// Predict runs one raw request through the worker pool and the dispatcher.
func (s *HTTPService) Predict(ctx context.Context, raw []byte) ([]byte, error) {
	return s.pool.Submit(ctx, func(jobCtx context.Context) ([]byte, error) {
		return s.dispatcher.Handle(jobCtx, raw, s.model)
	})
}

func (s *HTTPService) servesModel(request *http.Request) bool {
	return mux.Vars(request)["model"] == s.model.ModelName()
}

func writeJSON(writer http.ResponseWriter, statusCode int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(payload)
}

func writeError(writer http.ResponseWriter, statusCode int, message string, code string) {
	writeJSON(writer, statusCode, errorResponse{Error: message, Code: code})
}
