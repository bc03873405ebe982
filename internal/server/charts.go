package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tradejournal/internal/auth"
	"tradejournal/internal/charts"
	"tradejournal/internal/codec"
	"tradejournal/internal/storage"
)

// multipartSlack covers boundaries and part headers around the uploaded file.
const multipartSlack = 64 * 1024

const (
	msgTradeNotFound = "Trade not found"
	msgNoChart       = "No chart image"
)

// ownedTrade resolves the :id of the request to a trade owned by the caller. It
// writes the error response and returns false when there is none.
func (s *Server) ownedTrade(c *gin.Context) (string, bool) {
	const op = "server.ownedTrade"

	userID, ok := auth.UserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrInvalidToken.Error()})
		return "", false
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": msgTradeNotFound})
		return "", false
	}
	tradeID := id.String()

	owned, err := s.trades.TradeOwnedBy(c.Request.Context(), tradeID, userID)
	if err != nil {
		s.internalError(c, op, err)
		return "", false
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": msgTradeNotFound})
		return "", false
	}
	return tradeID, true
}

func (s *Server) handleUploadChart(c *gin.Context) {
	const op = "server.handleUploadChart"

	tradeID, ok := s.ownedTrade(c)
	if !ok {
		return
	}

	limit := s.cfg.Images.MaxUploadBytes + multipartSlack
	if c.Request.ContentLength > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": codec.ErrTooLarge.Error()})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": codec.ErrTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	src, err := file.Open()
	if err != nil {
		s.internalError(c, op, err)
		return
	}
	defer src.Close()

	raw, err := io.ReadAll(src)
	if err != nil {
		s.internalError(c, op, err)
		return
	}

	_, err = s.charts.Upload(c.Request.Context(), tradeID, file.Header.Get("Content-Type"), raw)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, charts.ErrUnsupportedType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported image type"})
	case errors.Is(err, codec.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, codec.ErrInvalidImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image"})
	case errors.Is(err, storage.ErrOwnerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": msgTradeNotFound})
	default:
		s.internalError(c, op, err)
	}
}

func (s *Server) handleGetChart(c *gin.Context) {
	const op = "server.handleGetChart"

	tradeID, ok := s.ownedTrade(c)
	if !ok {
		return
	}

	img, found, err := s.charts.Get(c.Request.Context(), tradeID)
	if err != nil {
		s.internalError(c, op, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": msgNoChart})
		return
	}

	etag := strconv.Quote(img.SHA256)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "private, max-age=0")
	if etagMatches(c.GetHeader("If-None-Match"), img.SHA256) {
		c.Status(http.StatusNotModified)
		return
	}

	c.Header("Content-Length", strconv.FormatInt(img.ByteSize, 10))
	c.Data(http.StatusOK, img.Mime, img.Data)
}

func (s *Server) handleDeleteChart(c *gin.Context) {
	const op = "server.handleDeleteChart"

	tradeID, ok := s.ownedTrade(c)
	if !ok {
		return
	}

	if err := s.charts.Delete(c.Request.Context(), tradeID); err != nil {
		s.internalError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// etagMatches applies the weak comparison of If-None-Match against a stored hash.
func etagMatches(header, hash string) bool {
	if header == "" {
		return false
	}
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" {
			return true
		}
		tag = strings.TrimPrefix(tag, "W/")
		if strings.Trim(tag, `"`) == hash {
			return true
		}
	}
	return false
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error().Err(err).Str("op", op).Str("path", c.Request.URL.Path).Msg("request failed")
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
