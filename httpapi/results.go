package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"eve.evalgo.org/rerr"
)

type folderResponse struct {
	Name           string  `json:"name"`
	Created        string  `json:"created"`
	FileCount      int     `json:"file_count"`
	TotalSize      int64   `json:"total_size"`
	TotalSizeHuman string  `json:"total_size_human"`
	RuntimeSeconds float64 `json:"runtime_seconds"`
	SolutionsCount int     `json:"solutions_count"`
	SolverType     string  `json:"solver_type"`
}

func (s *Server) handleListFolders(c echo.Context) error {
	summaries, err := s.Catalog.ListFolders(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}

	folders := make([]folderResponse, 0, len(summaries))
	for _, summary := range summaries {
		folders = append(folders, folderResponse{
			Name:           summary.Name,
			Created:        summary.Metadata.CreatedAt.Format(timeLayout),
			FileCount:      summary.FileCount,
			TotalSize:      summary.TotalSize,
			TotalSizeHuman: humanize.Bytes(uint64(summary.TotalSize)),
			RuntimeSeconds: summary.Metadata.RuntimeSeconds,
			SolutionsCount: summary.Metadata.SolutionsCount,
			SolverType:     summary.Metadata.SolverType,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"folders": folders})
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// handleDownload streams a result folder as a ZIP, never buffering the
// full archive. No Content-Length is sent, since the archive's size is not
// known before it is written; the summed object sizes from TotalSize go
// out as X-Uncompressed-Size instead.
func (s *Server) handleDownload(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	total, err := s.Catalog.TotalSize(ctx, name)
	if err != nil {
		return writeError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, name))
	w.Header().Set("X-Uncompressed-Size", strconv.FormatInt(total, 10))
	w.WriteHeader(http.StatusOK)

	s.Log.WithField("folder", name).WithField("size", humanize.Bytes(uint64(total))).Info("streaming result download")

	if err := s.Catalog.StreamZip(ctx, name, w); err != nil {
		s.Log.WithError(err).WithField("folder", name).Error("result download failed mid-stream")
	}
	return nil
}

func (s *Server) handleDeleteFolder(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	exists, err := s.Catalog.Exists(ctx, name)
	if err != nil {
		return writeError(c, err)
	}
	if !exists {
		return writeError(c, rerr.NotFoundf("result folder %s not found", name))
	}
	if err := s.Catalog.Delete(ctx, name); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
