package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"adaptimg/internal/app"
	"adaptimg/internal/generator"
	"adaptimg/internal/rewriter"
	"adaptimg/internal/storage"
	"adaptimg/internal/upload"
)

const maxRenderBody = 8 << 20

type Server struct {
	app    *app.App
	router *gin.Engine
	http   *http.Server
}

func NewServer(a *app.App) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = 32 << 20

	s := &Server{app: a, router: r}

	r.GET("/healthz", s.handleHealth)
	r.POST("/upload", s.handleUpload)
	r.GET("/images/:id", s.handleGetImage)
	r.GET("/images/:id/formats", s.handleFormats)
	r.POST("/images/:id/convert", s.handleConvert)
	r.DELETE("/images/:id", s.handleDeleteImage)
	r.POST("/render", s.handleRender)

	s.http = &http.Server{
		Addr:              a.Config.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer f.Close()

	src, upstream, err := s.app.Upload(c.Request.Context(), file.Filename, f)
	switch {
	case errors.Is(err, upload.ErrNotImage), errors.Is(err, upload.ErrBadFilename):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil && src.ID == "":
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	case err != nil:
		// stored, but the event was lost
		c.JSON(http.StatusAccepted, gin.H{"id": src.ID, "file": src.File, "warning": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": src.ID, "file": src.File, "sizes": upstream.Sizes})
}

func (s *Server) handleGetImage(c *gin.Context) {
	const op = "server.handleGetImage"
	id := c.Param("id")

	src, err := s.app.Store.GetSource(c.Request.Context(), id)
	if err != nil {
		writeError(c, op, err)
		return
	}
	resp := gin.H{"source": src, "catalog": nil}
	rec, err := s.app.Catalog.Get(c.Request.Context(), id)
	switch {
	case err == nil:
		resp["catalog"] = rec
	case !errors.Is(err, storage.ErrNotFound):
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFormats(c *gin.Context) {
	const op = "server.handleFormats"

	formats, err := s.app.Catalog.AvailableFormats(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"formats": formats})
}

func (s *Server) handleConvert(c *gin.Context) {
	const op = "server.handleConvert"

	res, err := s.app.Convert(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, op, err)
		return
	}
	failures := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, f.Error())
	}
	c.JSON(http.StatusOK, gin.H{"written": res.Written, "failures": failures, "formats": res.Record.AvailableFormats()})
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	const op = "server.handleDeleteImage"

	if err := s.app.OnDelete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRender(c *gin.Context) {
	const op = "server.handleRender"

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRenderBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	out := s.app.Render(c.Request.Context(), string(body), SupportFromAccept(c.GetHeader("Accept")))
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(out))
}

// SupportFromAccept reads format support from an Accept header. A client
// that sends none is assumed to support everything.
func SupportFromAccept(accept string) rewriter.Support {
	if strings.TrimSpace(accept) == "" {
		return rewriter.FullSupport()
	}
	accept = strings.ToLower(accept)
	return rewriter.Support{
		AVIF: strings.Contains(accept, "image/avif"),
		WebP: strings.Contains(accept, "image/webp"),
	}
}

func writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, generator.ErrMissingBaseMetadata):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
}
