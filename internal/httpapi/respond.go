package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/store"
)

const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code := string(kind)
	if code == "" {
		code = "internal_error"
	}
	if rec, ok := w.(*statusRecorder); ok {
		rec.errText = err.Error()
	}
	writeJSON(w, apperr.HTTPStatus(kind), map[string]any{
		"status":  "error",
		"code":    code,
		"message": err.Error(),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("decode request", "request body is required")
		}
		return apperr.Validation("decode request", "invalid JSON: %v", err)
	}
	return nil
}

// resolveEndpoint accepts either an explicit host:port or a bare local port.
func resolveEndpoint(endpoint string, port int) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" {
		return endpoint, nil
	}
	if port <= 0 || port > 65535 {
		return "", apperr.Validation("resolve endpoint", "endpoint or port is required")
	}
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("parse query", "%s must be an integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// statusRecorder captures what the handler wrote for the request log. It
// forwards Hijack so WebSocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	errText string
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(started)

		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
		if s.deps.RequestLog == nil {
			return
		}
		entry := store.RequestLog{
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     rec.status,
			ErrorText:  rec.errText,
			DurationMS: elapsed.Milliseconds(),
			CreatedAt:  started.UTC(),
		}
		if err := s.deps.RequestLog.InsertRequestLog(context.WithoutCancel(r.Context()), entry); err != nil {
			s.logger.Warn("record request log", "error", err)
		}
	})
}
