package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/blob"
)

// descriptorPayload is the wire form of a content descriptor.
type descriptorPayload struct {
	Algorithm  string     `json:"algorithm" binding:"required"`
	Digest     string     `json:"digest" binding:"required"` // hex
	Label      string     `json:"label"`
	ExpiryTime *time.Time `json:"expiry_time,omitempty"`
}

func (p descriptorPayload) toDescriptor() (blob.Descriptor, error) {
	digest, err := hex.DecodeString(p.Digest)
	if err != nil {
		return blob.Descriptor{}, fmt.Errorf("digest is not valid hex: %w", blob.ErrInvalidArgument)
	}
	var expiry time.Time
	if p.ExpiryTime != nil {
		expiry = *p.ExpiryTime
	}
	return blob.NewDescriptor(blob.Algorithm(p.Algorithm), digest, p.Label, expiry)
}

type createSessionRequest struct {
	Descriptor descriptorPayload `json:"descriptor" binding:"required"`
}

type commitSessionRequest struct {
	AccessMode string `json:"access_mode"`
}

type leaseRequest struct {
	Descriptor       descriptorPayload `json:"descriptor" binding:"required"`
	Description      string            `json:"description"`
	DescriptionResID string            `json:"description_res_id"`
	ExpiryTime       *time.Time        `json:"expiry_time,omitempty"`
}

func parseAccessMode(s string) (blob.AccessMode, error) {
	switch s {
	case "", "private":
		return blob.AccessPrivate, nil
	case "same-uid":
		return blob.AccessSameUID, nil
	case "public":
		return blob.AccessPublic, nil
	default:
		return 0, fmt.Errorf("unknown access mode %q: %w", s, blob.ErrInvalidArgument)
	}
}

// writeError maps the core error taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, blob.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, blob.ErrUnauthorized), errors.Is(err, blob.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, blob.ErrInvalidArgument):
		status = http.StatusBadRequest
	default:
		log.Error().Err(err).Str("request_id", c.GetString("request_id")).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) createSession(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no caller identity"})
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := req.Descriptor.toDescriptor()
	if err != nil {
		writeError(c, err)
		return
	}
	id, err := s.registry.CreateSession(d, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (s *Server) writeSessionData(c *gin.Context) {
	caller, session, ok := s.openSessionFromPath(c)
	if !ok {
		return
	}
	n, err := session.Write(c.Request.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	log.Debug().
		Uint64("session_id", session.ID()).
		Str("package", caller.Package).
		Int64("bytes", n).
		Msg("session data accepted")
	c.JSON(http.StatusOK, gin.H{"bytes_written": n, "total_bytes": session.Size()})
}

func (s *Server) commitSession(c *gin.Context) {
	_, session, ok := s.openSessionFromPath(c)
	if !ok {
		return
	}
	var req commitSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := parseAccessMode(req.AccessMode)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := session.Commit(c.Request.Context(), mode); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"committed": true})
}

func (s *Server) deleteSession(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no caller identity"})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id must be a positive integer"})
		return
	}
	if err := s.registry.DeleteSession(id, caller); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) openBlob(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no caller identity"})
		return
	}
	var payload descriptorPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := payload.toDescriptor()
	if err != nil {
		writeError(c, err)
		return
	}
	f, err := s.registry.OpenBlob(d, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(c, fmt.Errorf("inspecting blob file: %w", err))
		return
	}
	c.DataFromReader(http.StatusOK, info.Size(), "application/octet-stream", f, nil)
}

func (s *Server) acquireLease(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no caller identity"})
		return
	}
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := req.Descriptor.toDescriptor()
	if err != nil {
		writeError(c, err)
		return
	}
	var expiry time.Time
	if req.ExpiryTime != nil {
		expiry = *req.ExpiryTime
	}
	if err := s.registry.AcquireLease(d, caller, req.Description, req.DescriptionResID, expiry); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leased": true})
}

func (s *Server) releaseLease(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no caller identity"})
		return
	}
	var payload descriptorPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := payload.toDescriptor()
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.registry.ReleaseLease(d, caller); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) dump(c *gin.Context) {
	filter := blob.DumpFilter{
		Packages:     c.QueryArray("package"),
		SessionsOnly: c.Query("sessions") == "true",
		BlobsOnly:    c.Query("blobs") == "true",
		Full:         c.Query("full") == "true",
	}
	for _, raw := range c.QueryArray("uid") {
		if v, err := strconv.ParseInt(raw, 10, 32); err == nil {
			filter.UIDs = append(filter.UIDs, int32(v))
		}
	}
	for _, raw := range c.QueryArray("user") {
		if v, err := strconv.ParseInt(raw, 10, 32); err == nil {
			filter.UserIDs = append(filter.UserIDs, int32(v))
		}
	}
	for _, raw := range c.QueryArray("blob") {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			filter.BlobIDs = append(filter.BlobIDs, v)
		}
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	if err := s.registry.Dump(c.Writer, filter); err != nil {
		log.Error().Err(err).Msg("dump failed")
	}
}

func (s *Server) runMaintenance(c *gin.Context) {
	s.registry.RunIdleMaintenance()
	c.JSON(http.StatusOK, gin.H{"completed": true})
}

// openSessionFromPath resolves the :id path parameter into the caller's
// session.
func (s *Server) openSessionFromPath(c *gin.Context) (blob.Caller, *blob.Session, bool) {
	caller, ok := callerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no caller identity"})
		return blob.Caller{}, nil, false
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id must be a positive integer"})
		return blob.Caller{}, nil, false
	}
	session, err := s.registry.OpenSession(id, caller)
	if err != nil {
		writeError(c, err)
		return blob.Caller{}, nil, false
	}
	return caller, session, true
}
