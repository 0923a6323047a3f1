package web

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"accounting-reports/internal/app"
	"accounting-reports/internal/core"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestHandler(t *testing.T, secret string) http.Handler {
	t.Helper()
	catalog, err := core.LoadCatalog("../../../reports")
	require.NoError(t, err)
	store, err := core.LoadMemoryStore("../../../reports/fixtures/demo_ledger.yaml")
	require.NoError(t, err)
	now := time.Date(2024, time.February, 15, 0, 0, 0, 0, time.UTC)
	engine := core.NewReportEngine(catalog, store, core.EngineConfig{Now: func() time.Time { return now }})
	return NewHandler(app.NewAppService(engine), zerolog.Nop(), Config{JWTSecret: secret})
}

func do(t *testing.T, h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func signToken(t *testing.T, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tester",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RequestID)
	return body.Code
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, "")
	rec := do(t, h, http.MethodGet, "/api/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string `json:"status"`
		Reports int    `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 4, body.Reports)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestListReports(t *testing.T) {
	h := newTestHandler(t, "")
	rec := do(t, h, http.MethodGet, "/api/reports/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body app.ReportListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	var codes []string
	for _, r := range body.Reports {
		codes = append(codes, r.Code)
	}
	assert.ElementsMatch(t, []string{"PL", "PL_MARGIN", "VAT", "TB"}, codes)
}

func TestGetLines(t *testing.T) {
	h := newTestHandler(t, "")

	t.Run("query options", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/reports/PL/lines?date_from=2024-01-01&date_to=2024-01-31", "", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body app.LinesResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "PL", body.ReportCode)
		assert.Equal(t, "custom", body.Options.Date.Filter)
		assert.Equal(t, "2024-01-31", body.Options.Date.DateTo)
		require.NotEmpty(t, body.Lines)
		assert.Equal(t, "Revenue", body.Lines[0].Name)
	})

	t.Run("body options by id", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/reports/20/lines", `{"options":{"date":{"date_from":"2024-01-01","date_to":"2024-01-31"}}}`, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body app.LinesResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "TB", body.ReportCode)
		assert.NotEmpty(t, body.Lines)
	})

	t.Run("unknown report", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/reports/NOPE/lines", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/reports/PL/lines", `{"options":`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestExpandLine(t *testing.T) {
	h := newTestHandler(t, "")

	rec := do(t, h, http.MethodPost, "/api/reports/PL/expand", `{"line":{"line_id":"garbage"}}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/api/reports/PL/expand", `{"line":{}}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/reports/PL/lines?date_from=2024-01-01&date_to=2024-01-31", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var lines app.LinesResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lines))
	rev := lines.Lines[0]
	require.True(t, rev.Unfoldable)

	payload, err := json.Marshal(app.ExpandLineRequest{
		OptionsRequest: app.OptionsRequest{Previous: lines.Options},
		Line:           core.ExpandRequest{LineID: rev.ID, Groupby: rev.Groupby, ExpandFunction: rev.ExpandFunction},
	})
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/reports/PL/expand", string(payload), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var expanded app.LinesResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &expanded))
	require.NotEmpty(t, expanded.Lines)
	for _, l := range expanded.Lines {
		assert.True(t, core.IsDescendantLineID(l.ID, rev.ID))
	}
}

func TestManualValue_Auth(t *testing.T) {
	h := newTestHandler(t, testSecret)
	body := `{"options":{"date":{"date_from":"2024-01-01","date_to":"2024-01-31"}},"edit":{"target_expression_id":10040,"value":"12.5"}}`

	rec := do(t, h, http.MethodPost, "/api/reports/VAT/manual-value", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/api/reports/VAT/manual-value", body, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/reports/VAT/manual-value", body, signToken(t, "viewer"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/api/reports/VAT/manual-value", body, signToken(t, "accountant"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res app.ManualValueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	for _, l := range res.Lines {
		if l.Name == "Manual adjustment" {
			assert.Equal(t, "12.50 USD", l.Columns[0].Name)
			return
		}
	}
	t.Fatal("manual adjustment line missing")
}

func TestManualValue_NotEditable(t *testing.T) {
	h := newTestHandler(t, "")
	body := `{"options":{"date":{"date_from":"2024-01-01","date_to":"2024-01-31"}},"edit":{"target_expression_id":10020,"value":"1"}}`
	rec := do(t, h, http.MethodPost, "/api/reports/VAT/manual-value", body, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INCONSISTENT_REQUEST", errorCode(t, rec))
}

func TestGenerateCarryover(t *testing.T) {
	h := newTestHandler(t, "")
	rec := do(t, h, http.MethodPost, "/api/reports/VAT/carryover", `{"options":{"date":{"date_from":"2024-01-01","date_to":"2024-01-31"}}}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res app.CarryoverResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "VAT", res.ReportCode)
	assert.Equal(t, "2024-01-31", res.DateTo)
}

func TestExportCSV(t *testing.T) {
	h := newTestHandler(t, "")
	rec := do(t, h, http.MethodGet, "/api/reports/PL/export.csv?date_from=2024-01-01&date_to=2024-01-31", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="PL.csv"`)

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Greater(t, len(rows), 1)
	assert.Equal(t, []string{"", "Balance"}, rows[0])
	assert.Equal(t, "Revenue", rows[1][0])
}

func TestOptionsSchema(t *testing.T) {
	h := newTestHandler(t, "")
	rec := do(t, h, http.MethodGet, "/api/reports/options/schema", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "date")
	assert.Contains(t, props, "unfolded_lines")
}

func TestCORS(t *testing.T) {
	h := NewHandler(app.NewAppService(nil), zerolog.Nop(), Config{AllowedOrigins: "https://books.example.com, https://audit.example.com"})

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/reports/PL/lines", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://audit.example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://audit.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	rec = preflight("https://elsewhere.example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestRequestBodyLimit(t *testing.T) {
	catalog, err := core.LoadCatalog("../../../reports")
	require.NoError(t, err)
	store, err := core.LoadMemoryStore("../../../reports/fixtures/demo_ledger.yaml")
	require.NoError(t, err)
	engine := core.NewReportEngine(catalog, store, core.EngineConfig{})
	h := NewHandler(app.NewAppService(engine), zerolog.Nop(), Config{MaxBodyBytes: 64})

	body := `{"options":{"date":{"date_from":"2024-01-01","date_to":"2024-01-31"}},"padding":"` + strings.Repeat("x", 64) + `"}`
	rec := do(t, h, http.MethodPost, "/api/reports/PL/lines", body, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "REQUEST_TOO_LARGE", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/api/reports/PL/lines", `{}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
