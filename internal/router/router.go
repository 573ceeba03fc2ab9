package router

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/session"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// Flush keeps server-sent event streams working behind the middleware.
func (lrw *loggingResponseWriter) Flush() {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// LoggingMiddleware returns a middleware that logs requests at debug level using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			// ensure status is set
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware returns a middleware that sets common HTTP security headers.
// It is intentionally simple and conservative so it works with most setups.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Prevent MIME sniffing
			w.Header().Set("X-Content-Type-Options", "nosniff")

			// Clickjacking protection
			w.Header().Set("X-Frame-Options", "DENY")

			// Referrer policy
			w.Header().Set("Referrer-Policy", "no-referrer-when-downgrade")

			// Permissions policy (formerly Feature-Policy) - tighten common features
			// allow none for camera, microphone, geolocation by default
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			// Basic Content-Security-Policy - block mixed content and restrict sources to self by default
			// Keep this conservative; callers may opt to override with more specific policy downstream.
			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; base-uri 'self';")
			}

			// HSTS - instruct browsers to use HTTPS for future requests. Only set if request is over TLS.
			if r.TLS != nil {
				// 30 days by default
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RegisterRoutes mounts HTTP handlers on the standard library's http.ServeMux.
// ih is nil when identity is served by a remote provider.
func RegisterRoutes(logger *zap.SugaredLogger, sh *session.Handler, ih *identity.Handler) http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// session view
	mux.HandleFunc("GET /session", sh.Snapshot)
	mux.HandleFunc("GET /session/stream", sh.Stream)

	// credential operations
	mux.HandleFunc("POST /auth/signin", sh.SignIn)
	mux.HandleFunc("POST /auth/signup", sh.SignUp)
	mux.HandleFunc("POST /auth/signout", sh.SignOut)
	mux.HandleFunc("POST /auth/password", sh.UpdatePassword)
	mux.HandleFunc("POST /auth/recover", sh.RequestPasswordReset)
	mux.HandleFunc("POST /auth/recover/verify", sh.VerifyRecovery)
	mux.HandleFunc("PATCH /profile", sh.UpdateProfile)

	// admin
	mux.HandleFunc("POST /admin/signin", sh.AdminSignIn)
	mux.HandleFunc("GET /admin/check", sh.AdminCheck)

	if ih != nil {
		mux.HandleFunc("GET /.well-known/openid-configuration", ih.Discovery)
		mux.HandleFunc("GET /.well-known/jwks.json", ih.JWKS)
		mux.HandleFunc("POST /introspect", ih.Introspect)
	}

	// wrap with security headers middleware then logging middleware
	handler := LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))
	return handler
}
