package processor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
)

func writePayload(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHttpProcessor_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		assert.Equal(t, "7", r.Header.Get("X-Work-Item-Id"))
		assert.Equal(t, "tender-1", r.Header.Get("X-Work-Item-Origin"))
		assert.Equal(t, "2", r.Header.Get("X-Work-Item-Version"))
		_, _ = w.Write([]byte(`{"lines":4}`))
	}))
	defer server.Close()

	p := NewHttpProcessor(server.URL, nil, 0)
	result, err := p.Process(context.Background(), &database.WorkItem{Id: 7, Origin: "tender-1", Version: 2}, writePayload(t, "payload"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lines":4}`, string(result))
}

func TestHttpProcessor_Failures(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"error status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte("unsupported format"))
		},
		"invalid json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		},
	}
	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()
			_, err := NewHttpProcessor(server.URL, nil, 0).Process(context.Background(), &database.WorkItem{Id: 1}, writePayload(t, "x"))
			assert.Error(t, err)
		})
	}
}

func TestHttpProcessor_MissingPayload(t *testing.T) {
	_, err := NewHttpProcessor("http://localhost:1", nil, 0).Process(context.Background(), &database.WorkItem{Id: 1}, "/does/not/exist")
	assert.Error(t, err)
}
