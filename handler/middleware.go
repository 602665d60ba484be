package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"whatsapp-bridge/internal/signature"
	"whatsapp-bridge/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// maxBodyBytes bounds webhook bodies read for verification.
const maxBodyBytes = 1 << 20

type ctxKey int

const (
	paramsKey ctxKey = iota
	correlationKey
)

func paramsFrom(ctx context.Context) url.Values {
	v, _ := ctx.Value(paramsKey).(url.Values)
	return v
}

func correlationFrom(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey).(string)
	return v
}

// correlationID propagates X-Correlation-Id, generating one when absent.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

// verifySignature rejects requests whose body was not signed by the carrier.
// Verified parameters are stored on the request context.
func (h *Handler) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(h.logger, r)

		sig := r.Header.Get(signature.Header)
		if sig == "" {
			reject(w, log, "missing_signature", nil)
			return
		}
		params, err := readParams(r)
		if err != nil {
			reject(w, log, "unreadable_body", err)
			return
		}

		external := h.externalURL
		if external.Host == "" {
			external.Host = r.Host
			external.Port = ""
		}
		if !signature.Verify(h.authToken, external.For(r.URL.RequestURI()), params, sig) {
			reject(w, log, "invalid_signature", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), paramsKey, params)))
	})
}

func reject(w http.ResponseWriter, log *slog.Logger, reason string, err error) {
	rejection := &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: reason, Err: err}
	log.Warn("webhook rejected", "code", rejection.Code, "reason", reason, "err", rejection)
	unauthorized(w)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte("Unauthorized"))
}

// readParams returns the body parameters of a form or JSON request.
func readParams(r *http.Request) (url.Values, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return jsonParams(raw)
	}
	return url.ParseQuery(string(raw))
}

func jsonParams(raw []byte) (url.Values, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return url.Values{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode json body: %w", err)
	}
	params := make(url.Values, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			params.Set(k, val)
		case json.Number:
			params.Set(k, val.String())
		case nil:
			params.Set(k, "")
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", k, err)
			}
			params.Set(k, string(b))
		}
	}
	return params, nil
}

// errorCode reports the usecase code of err, ErrorInternal when it has none.
func errorCode(err error) usecase.ErrorCode {
	if code, ok := usecase.CodeOf(err); ok {
		return code
	}
	return usecase.ErrorInternal
}

func requestLogger(base *slog.Logger, r *http.Request) *slog.Logger {
	return base.With("path", r.URL.Path, "correlation_id", correlationFrom(r.Context()))
}
