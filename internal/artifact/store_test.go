package artifact

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"genledger/internal/model"

	"github.com/stretchr/testify/require"
)

func TestS3StoreSave(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		stored []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		path = r.URL.Path
		stored, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:    "artifacts",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "key",
		SecretKey: "secret",
	})
	require.NoError(t, err)

	key, err := store.Save(context.Background(), "job-1", &model.Artifact{Text: "verse"})
	require.NoError(t, err)
	require.Equal(t, Key("job-1"), key)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, http.MethodPut, method)
	require.True(t, strings.HasSuffix(path, "/artifacts/"+key), path)
	var got model.Artifact
	require.NoError(t, json.Unmarshal(stored, &got))
	require.Equal(t, "verse", got.Text)
}
