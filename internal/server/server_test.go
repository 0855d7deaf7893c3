package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"regulatory-rag/internal/config"
	"regulatory-rag/internal/embedding"
	"regulatory-rag/internal/models"
	"regulatory-rag/internal/parser"
	"regulatory-rag/internal/rag"
)

type stubIndex struct {
	matches []models.Match
	err     error
}

func (s *stubIndex) Query(context.Context, []float32, int, map[string]string) ([]models.Match, error) {
	return s.matches, s.err
}

type stubGenerator struct {
	answer string
	err    error
}

func (s *stubGenerator) Generate(context.Context, string) (string, error) {
	return s.answer, s.err
}

func newTestRouter(t *testing.T, idx *stubIndex, gen *stubGenerator, processedDir string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e, err := embedding.Wrap(embedding.NewHashClient(16), "hash/test", 16, 0)
	if err != nil {
		t.Fatal(err)
	}
	r := rag.NewRAG(rag.NewRetriever(e, idx), gen, 5, nil)
	h := NewHandler(r, t.TempDir(), processedDir, 5, e.ModelID(), 0)
	return NewRouter(h, &config.ServerConfig{Mode: "test"}, "regulatory-rag-test")
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body %q: %v", w.Body.String(), err)
	}
	return resp
}

func sampleMatches() []models.Match {
	return []models.Match{
		{ID: "vec-3", Score: 0.8, Metadata: map[string]string{
			models.MetaDocumentName:  "AR_2023",
			models.MetaSectionNumber: "Section 2",
			models.MetaPageNumber:    "5",
			models.MetaText:          "Liquidity buffers.",
		}},
		{ID: "vec-9", Score: 0.4, Metadata: map[string]string{
			models.MetaDocumentName: "fsr_2022",
			models.MetaText:         "Stress tests.",
		}},
	}
}

func TestAsk(t *testing.T) {
	router := newTestRouter(t, &stubIndex{matches: sampleMatches()}, &stubGenerator{answer: "Hold buffers."}, t.TempDir())

	w := doJSON(t, router, http.MethodPost, "/ask", `{"question":"What buffers are required?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp models.AnswerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "Hold buffers." || len(resp.Sources) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Sources[0].DocumentName != "AR_2023" || *resp.Sources[0].PageNumber != 5 {
		t.Fatalf("first source = %+v", resp.Sources[0])
	}
	if resp.Sources[1].SectionNumber != models.UnknownSection || resp.Sources[1].PageNumber != nil {
		t.Fatalf("second source = %+v", resp.Sources[1])
	}
	if resp.OverallConfidence < 0.599 || resp.OverallConfidence > 0.601 {
		t.Fatalf("overall confidence = %v", resp.OverallConfidence)
	}
}

func TestAskEmptyContextReturnsEmptySources(t *testing.T) {
	router := newTestRouter(t, &stubIndex{}, &stubGenerator{answer: models.NotAvailableAnswer}, t.TempDir())

	w := doJSON(t, router, http.MethodPost, "/ask", `{"question":"Unrelated?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["sources"]) != "[]" {
		t.Fatalf("sources = %s, want []", raw["sources"])
	}
	if string(raw["overall_confidence"]) != "0" {
		t.Fatalf("overall_confidence = %s", raw["overall_confidence"])
	}
}

func TestAskErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		idx    *stubIndex
		gen    *stubGenerator
		status int
		code   string
	}{
		{"missing question", `{}`, &stubIndex{}, &stubGenerator{}, http.StatusBadRequest, "invalid_request"},
		{"blank question", `{"question":"   "}`, &stubIndex{}, &stubGenerator{}, http.StatusBadRequest, "invalid_request"},
		{"unknown regulation type", `{"question":"q","regulation_type":"Gazette"}`, &stubIndex{}, &stubGenerator{}, http.StatusBadRequest, "invalid_request"},
		{"index down", `{"question":"q"}`, &stubIndex{err: errors.New("unreachable")}, &stubGenerator{}, http.StatusBadGateway, "retrieval_failed"},
		{"generation down", `{"question":"q"}`, &stubIndex{}, &stubGenerator{err: errors.New("timeout")}, http.StatusBadGateway, "generation_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, tt.idx, tt.gen, t.TempDir())
			w := doJSON(t, router, http.MethodPost, "/ask", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if got := decodeError(t, w); got.ErrorCode != tt.code {
				t.Fatalf("error_code = %q, want %q", got.ErrorCode, tt.code)
			}
		})
	}
}

func TestRetrieve(t *testing.T) {
	router := newTestRouter(t, &stubIndex{matches: sampleMatches()}, &stubGenerator{}, t.TempDir())

	w := doJSON(t, router, http.MethodPost, "/retrieve", `{"query":"liquidity","top_k":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp models.RetrieveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].DocumentName != "AR_2023" {
		t.Fatalf("results = %+v", resp.Results)
	}

	w = doJSON(t, router, http.MethodPost, "/retrieve", `{"query":"liquidity","top_k":0}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("top_k=0 status = %d", w.Code)
	}
}

func TestDocuments(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"fsr_2022", "AR_2023"} {
		if _, err := parser.WriteProcessedDocument(dir, name, []models.Page{{PageNumber: 1, Text: "x"}}); err != nil {
			t.Fatal(err)
		}
	}
	router := newTestRouter(t, &stubIndex{}, &stubGenerator{}, dir)

	w := doJSON(t, router, http.MethodGet, "/documents", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Documents []string `json:"documents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Documents) != 2 || resp.Documents[0] != "AR_2023" || resp.Documents[1] != "fsr_2022" {
		t.Fatalf("documents = %v", resp.Documents)
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, &stubIndex{}, &stubGenerator{}, t.TempDir())
	w := doJSON(t, router, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "healthy" || resp["embedding_model"] != "hash/test" {
		t.Fatalf("health = %v", resp)
	}
}

func doUpload(t *testing.T, router http.Handler, fileName, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e, err := embedding.Wrap(embedding.NewHashClient(16), "hash/test", 16, 0)
	if err != nil {
		t.Fatal(err)
	}
	rawDir := filepath.Join(t.TempDir(), "raw")
	r := rag.NewRAG(rag.NewRetriever(e, &stubIndex{}), &stubGenerator{}, 5, nil)
	router := NewRouter(NewHandler(r, rawDir, t.TempDir(), 5, e.ModelID(), 0), &config.ServerConfig{Mode: "test"}, "regulatory-rag-test")

	w := doUpload(t, router, "../../fsr_2024.txt", "Section 1 Stress testing.")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["message"] != "fsr_2024.txt uploaded successfully." {
		t.Fatalf("message = %q", resp["message"])
	}
	data, err := os.ReadFile(filepath.Join(rawDir, "fsr_2024.txt"))
	if err != nil {
		t.Fatalf("upload not stored in the raw directory: %v", err)
	}
	if string(data) != "Section 1 Stress testing." {
		t.Fatalf("stored content = %q", data)
	}

	w = doUpload(t, router, "payload.exe", "MZ")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unsupported extension status = %d", w.Code)
	}
	if got := decodeError(t, w); got.ErrorCode != "invalid_request" {
		t.Fatalf("error_code = %q", got.ErrorCode)
	}
	if _, err := os.Stat(filepath.Join(rawDir, "payload.exe")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unsupported file was written: %v", err)
	}

	w = doJSON(t, router, http.MethodPost, "/upload", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("non-multipart status = %d", w.Code)
	}
}
