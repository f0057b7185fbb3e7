package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log"
	"mime"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Tutortoise/llie-pipeline/models"
	"github.com/Tutortoise/llie-pipeline/pipeline"
)

const (
	maxUploadBytes   = 32 << 20
	requestIDHeader  = "X-Request-ID"
	serverTimeout    = 60 * time.Second
	defaultServeAddr = "127.0.0.1:8080"
)

type AppState struct {
	Config models.RunConfig
	Pool   *ModelPool
}

type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func newRouter(state *AppState) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/enhance", handleEnhance(state)).Methods("POST")
	r.HandleFunc("/health", handleHealth).Methods("GET")
	state.addMonitoringRoutes(r)
	return r
}

func newServer(addr string, state *AppState) *http.Server {
	return &http.Server{
		Handler:      newRouter(state),
		Addr:         addr,
		WriteTimeout: serverTimeout,
		ReadTimeout:  serverTimeout,
	}
}

func handleEnhance(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		requestID := uuid.New().String()
		w.Header().Set(requestIDHeader, requestID)
		timings := &models.ProcessingTimings{RequestID: requestID}

		ctx := r.Context()
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

		var imgBytes []byte
		var err error

		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch mediaType {
		case "application/json":
			imgBytes, err = handleJSONRequest(r)
		case "multipart/form-data":
			imgBytes, err = handleMultipartRequest(r)
		default:
			imgBytes, err = handleRawRequest(r)
		}

		if err == nil && len(imgBytes) == 0 {
			err = errors.New("empty image")
		}
		if err != nil {
			sendErrorResponse(w, requestID, "invalid_request", MsgInvalidRequest, err, http.StatusBadRequest)
			return
		}

		decodeStart := time.Now()
		img, err := decodeImage(imgBytes)
		timings.ImageDecode = time.Since(decodeStart)
		if err != nil {
			sendErrorResponse(w, requestID, "invalid_image", MsgInvalidImage, err, http.StatusBadRequest)
			return
		}

		m, err := state.Pool.Acquire(ctx)
		if err != nil {
			sendErrorResponse(w, requestID, "model_busy", MsgBusy, err, http.StatusServiceUnavailable)
			return
		}

		out, _, err := pipeline.NewEnhancer(m, state.Config).Enhance(ctx, img, nil, timings)
		state.Pool.Release(m, err != nil && models.IsFatal(err) && ctx.Err() == nil)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrShape):
				sendErrorResponse(w, requestID, "unsupported_image", MsgUnsupportedImage, err, http.StatusUnprocessableEntity)
			default:
				sendErrorResponse(w, requestID, "processing_error", MsgEnhanceFailed, err, http.StatusInternalServerError)
			}
			return
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, out); err != nil {
			sendErrorResponse(w, requestID, "encode_error", MsgEnhanceFailed, err, http.StatusInternalServerError)
			return
		}

		timings.Total = time.Since(startTotal)
		pipeline.LogTimings(timings)

		w.Header().Set("Content-Type", "image/png")
		if _, err := w.Write(buf.Bytes()); err != nil {
			log.Printf("RequestID: %s - write response: %v", requestID, err)
		}
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Pool.Stats())
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func sendErrorResponse(w http.ResponseWriter, requestID, code, message string, cause error, status int) {
	if cause != nil {
		log.Printf("RequestID: %s - %s: %v", requestID, code, cause)
	}
	resp := ErrorResponse{Code: code, Message: message, RequestID: requestID}
	if cause != nil {
		resp.Details = cause.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
