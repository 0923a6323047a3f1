package web

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"

	"accounting-reports/internal/app"
	"accounting-reports/internal/core"

	"github.com/invopop/jsonschema"
	"github.com/rs/zerolog"
)

// ── Report API handlers ───────────────────────────────────────────────────────

// listReports handles GET /api/reports.
func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ListReports(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// optionsSchema handles GET /api/reports/options/schema: the JSON schema of
// the options object clients send back.
func (h *Handler) optionsSchema(w http.ResponseWriter, r *http.Request) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	writeJSON(w, reflector.Reflect(&core.Options{}))
}

// optionsRequest reads the previous options from the JSON body (POST) or
// from query parameters (GET).
func optionsRequest(w http.ResponseWriter, r *http.Request) (app.OptionsRequest, bool) {
	req := app.OptionsRequest{ReportRef: reportRef(r)}
	if r.Method == http.MethodGet {
		req.Previous = optionsFromQuery(r)
		return req, true
	}
	var body struct {
		Options *core.Options `json:"options"`
	}
	if !decodeJSON(w, r, &body) {
		return req, false
	}
	req.Previous = body.Options
	return req, true
}

// optionsFromQuery understands date_from, date_to, filter, company (repeated),
// unfold_all, hierarchy and hide_0_lines.
func optionsFromQuery(r *http.Request) *core.Options {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	opts := &core.Options{
		Date: core.DateOption{
			DateFrom: q.Get("date_from"),
			DateTo:   q.Get("date_to"),
			Filter:   q.Get("filter"),
		},
		UnfoldAll:  q.Get("unfold_all") == "true",
		Hierarchy:  q.Get("hierarchy") == "true",
		Hide0Lines: q.Get("hide_0_lines") == "true",
	}
	if opts.Date.DateTo != "" && opts.Date.Filter == "" {
		opts.Date.Filter = "custom"
	}
	for _, c := range q["company"] {
		if id, err := strconv.Atoi(c); err == nil {
			opts.Companies = append(opts.Companies, core.CompanyOption{ID: id})
		}
	}
	return opts
}

// getOptions handles GET|POST /api/reports/{ref}/options.
func (h *Handler) getOptions(w http.ResponseWriter, r *http.Request) {
	req, ok := optionsRequest(w, r)
	if !ok {
		return
	}
	res, err := h.svc.GetOptions(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// getLines handles GET|POST /api/reports/{ref}/lines.
func (h *Handler) getLines(w http.ResponseWriter, r *http.Request) {
	req, ok := optionsRequest(w, r)
	if !ok {
		return
	}
	res, err := h.svc.GetLines(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// expandLine handles POST /api/reports/{ref}/expand.
func (h *Handler) expandLine(w http.ResponseWriter, r *http.Request) {
	var req app.ExpandLineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ReportRef = reportRef(r)
	res, err := h.svc.ExpandLine(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// editManualValue handles POST /api/reports/{ref}/manual-value.
func (h *Handler) editManualValue(w http.ResponseWriter, r *http.Request) {
	var req app.ManualValueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ReportRef = reportRef(r)
	res, err := h.svc.EditManualValue(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if claims := authFromContext(r.Context()); claims != nil {
		zerolog.Ctx(r.Context()).Info().
			Str("role", claims.Role).
			Int("expression_id", req.Edit.TargetExpressionID).
			Msg("manual value edited")
	}
	writeJSON(w, res)
}

// generateCarryover handles POST /api/reports/{ref}/carryover.
func (h *Handler) generateCarryover(w http.ResponseWriter, r *http.Request) {
	req, ok := optionsRequest(w, r)
	if !ok {
		return
	}
	res, err := h.svc.GenerateCarryover(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// exportCSV handles GET|POST /api/reports/{ref}/export.csv. Line names are
// indented by level; cells carry their formatted value.
func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	req, ok := optionsRequest(w, r)
	if !ok {
		return
	}
	res, err := h.svc.GetLines(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	filename := res.ReportCode
	if filename == "" {
		filename = "report"
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`.csv"`)
	cw := csv.NewWriter(w)
	header := []string{""}
	for _, col := range res.Options.Columns {
		header = append(header, csvSafe(col.Name))
	}
	_ = cw.Write(header)
	for _, line := range res.Lines {
		row := []string{strings.Repeat("  ", max(line.Level-1, 0)) + csvSafe(line.Name)}
		for _, cell := range line.Columns {
			row = append(row, cell.Name)
		}
		_ = cw.Write(row)
	}
	cw.Flush()
}

// csvSafe prefixes label cells that begin with a formula-triggering
// character with a single quote. Amount cells are left alone so negative
// numbers survive.
func csvSafe(s string) string {
	if len(s) == 0 {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}
