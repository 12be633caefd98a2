package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/catalog"
)

func newTestServerWithCatalog(t *testing.T) *Server {
	t.Helper()
	s := newTestServer(t)
	s.Catalog = catalog.New(s.Store, 8)
	return s
}

func seedFolder(t *testing.T, s *Server, name string) {
	t.Helper()
	ctx := context.Background()
	meta := catalog.Metadata{SolverType: "cp-sat", SolutionsCount: 3, RuntimeSeconds: 1.5}
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)
	_, err = s.Store.Put(ctx, name+"/metadata.json", metaJSON, "application/json", nil)
	require.NoError(t, err)
	_, err = s.Store.Put(ctx, name+"/solution.json", []byte(`{"ok":true}`), "application/json", nil)
	require.NoError(t, err)
}

func TestHandleListFolders_IncludesHumanReadableSize(t *testing.T) {
	s := newTestServerWithCatalog(t)
	seedFolder(t, s, "Result_1")

	e := echo.New()
	s.RegisterRoutes(e)

	rec := doRequest(e, http.MethodGet, "/results/folders", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Folders []folderResponse `json:"folders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Folders, 1)
	assert.Equal(t, "Result_1", body.Folders[0].Name)
	assert.Equal(t, "cp-sat", body.Folders[0].SolverType)
	assert.NotEmpty(t, body.Folders[0].TotalSizeHuman)
}

func TestHandleDownload_StreamsZipOfFolderContents(t *testing.T) {
	s := newTestServerWithCatalog(t)
	seedFolder(t, s, "Result_1")

	e := echo.New()
	s.RegisterRoutes(e)

	rec := doRequest(e, http.MethodGet, "/download/folder/Result_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get(echo.HeaderContentType))

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	assert.Len(t, zr.File, 2)
}

func TestHandleDeleteFolder_RemovesKnownFolder(t *testing.T) {
	s := newTestServerWithCatalog(t)
	seedFolder(t, s, "Result_1")

	e := echo.New()
	s.RegisterRoutes(e)

	rec := doRequest(e, http.MethodDelete, "/results/delete/Result_1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	exists, err := s.Catalog.Exists(context.Background(), "Result_1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHandleDeleteFolder_UnknownFolderIsNotFound(t *testing.T) {
	s := newTestServerWithCatalog(t)

	e := echo.New()
	s.RegisterRoutes(e)

	rec := doRequest(e, http.MethodDelete, "/results/delete/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
