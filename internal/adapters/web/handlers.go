package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"accounting-reports/internal/app"
	"accounting-reports/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Config carries the HTTP settings of the handler.
type Config struct {
	AllowedOrigins string
	// JWTSecret enables bearer-token checks on the write endpoints. Empty
	// leaves them open.
	JWTSecret    string
	MaxBodyBytes int64
}

// Handler holds the ApplicationService and the chi router.
type Handler struct {
	svc       app.ApplicationService
	router    chi.Router
	jwtSecret string
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(svc app.ApplicationService, logger zerolog.Logger, cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	h := &Handler{svc: svc, jwtSecret: cfg.JWTSecret}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recoverer)
	r.Use(CORS(cfg.AllowedOrigins))

	// ── Public ────────────────────────────────────────────────────────────────
	r.Get("/api/health", h.health)
	r.Handle("/metrics", observability.Handler())

	// ── Reports ───────────────────────────────────────────────────────────────
	r.Route("/api/reports", func(r chi.Router) {
		r.Use(RequestBodyLimit(cfg.MaxBodyBytes))

		r.Get("/", h.listReports)
		r.Get("/options/schema", h.optionsSchema)

		r.Get("/{ref}/options", h.getOptions)
		r.Post("/{ref}/options", h.getOptions)
		r.Get("/{ref}/lines", h.getLines)
		r.Post("/{ref}/lines", h.getLines)
		r.Post("/{ref}/expand", h.expandLine)
		r.Get("/{ref}/export.csv", h.exportCSV)
		r.Post("/{ref}/export.csv", h.exportCSV)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/{ref}/manual-value", h.editManualValue)
			r.Post("/{ref}/carryover", h.generateCarryover)
		})
	})

	h.router = r
	return r
}

// health returns service status and the number of loaded reports.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status  string `json:"status"`
		Reports int    `json:"reports"`
	}
	res, err := h.svc.ListReports(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, response{Status: "ok", Reports: len(res.Reports)})
}

// reportRef extracts the {ref} URL parameter.
func reportRef(r *http.Request) string {
	return chi.URLParam(r, "ref")
}

// decodeJSON decodes the request body into v and returns false + writes an appropriate
// error response on failure. An empty body leaves v untouched. Returns HTTP 413 when
// the body exceeds the size limit set by RequestBodyLimit middleware; HTTP 400 for all
// other decode errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.Method == http.MethodGet {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, r, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}
