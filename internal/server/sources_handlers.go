package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/sources"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var uploadExtensions = map[string]bool{".txt": true, ".log": true, ".ais": true, ".nmea": true}

type registerSourceRequest struct {
	Transport            string   `json:"transport"`
	Endpoint             string   `json:"endpoint"`
	Name                 string   `json:"name"`
	BaudRate             int      `json:"baud_rate"`
	MessageLimit         int      `json:"message_limit"`
	TargetLimit          int      `json:"target_limit"`
	KeepNonVesselTargets *bool    `json:"keep_non_vessel_targets"`
	SpoofLimitKM         *float64 `json:"spoof_limit_km"`
	Inactive             bool     `json:"inactive"`
}

type limitRequest struct {
	Limit *int `json:"limit"`
}

type keepNonVesselRequest struct {
	Keep *bool `json:"keep_non_vessel_targets"`
}

type spoofLimitRequest struct {
	SpoofLimitKM *float64 `json:"spoof_limit_km"`
}

func (h *httpHandler) handleListSources(c *gin.Context) {
	registered, err := h.sources.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": registered})
}

func (h *httpHandler) handleSerialPorts(c *gin.Context) {
	ports, err := transport.SerialPorts()
	if err != nil {
		h.logger.Warn("serial port enumeration failed", zap.Error(err))
		ports = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

func (h *httpHandler) handleRegisterSource(c *gin.Context) {
	var request registerSourceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	source, err := h.sources.Register(c.Request.Context(), sources.Registration{
		Transport:            request.Transport,
		Endpoint:             request.Endpoint,
		Name:                 request.Name,
		BaudRate:             request.BaudRate,
		MessageLimit:         request.MessageLimit,
		TargetLimit:          request.TargetLimit,
		KeepNonVesselTargets: request.KeepNonVesselTargets,
		SpoofLimitKM:         request.SpoofLimitKM,
		Inactive:             request.Inactive,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, source)
}

func (h *httpHandler) handleUploadSource(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "multipart field \"file\" is required"})
		return
	}
	originalName := filepath.Base(header.Filename)
	if !uploadExtensions[strings.ToLower(filepath.Ext(originalName))] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_file_type"})
		return
	}
	if err := os.MkdirAll(h.uploadDir, 0o750); err != nil {
		h.logger.Error("upload directory unavailable", zap.String("dir", h.uploadDir), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}
	destination := filepath.Join(h.uploadDir, fmt.Sprintf("%s_%s", uuid.NewString(), originalName))
	if err := c.SaveUploadedFile(header, destination); err != nil {
		h.logger.Error("upload could not be stored", zap.String("path", destination), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	source, err := h.sources.Register(c.Request.Context(), sources.Registration{
		Transport: string(transport.KindFile),
		Endpoint:  destination,
		Name:      originalName,
	})
	if err != nil {
		if removeErr := os.Remove(destination); removeErr != nil {
			h.logger.Warn("orphaned upload not removed", zap.String("path", destination), zap.Error(removeErr))
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source": source, "file_size": header.Size})
}

func (h *httpHandler) handleToggleSource(c *gin.Context) {
	h.respondWithSource(c)(h.sources.Toggle(c.Request.Context(), c.Param("id")))
}

func (h *httpHandler) handlePauseSource(c *gin.Context) {
	h.respondWithSource(c)(h.sources.Pause(c.Request.Context(), c.Param("id")))
}

func (h *httpHandler) handleResumeSource(c *gin.Context) {
	h.respondWithSource(c)(h.sources.Resume(c.Request.Context(), c.Param("id")))
}

func (h *httpHandler) handleMessageLimit(c *gin.Context) {
	var request limitRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Limit == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.respondWithSource(c)(h.sources.UpdateMessageLimit(c.Request.Context(), c.Param("id"), *request.Limit))
}

func (h *httpHandler) handleTargetLimit(c *gin.Context) {
	var request limitRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Limit == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.respondWithSource(c)(h.sources.UpdateTargetLimit(c.Request.Context(), c.Param("id"), *request.Limit))
}

func (h *httpHandler) handleKeepNonVessel(c *gin.Context) {
	var request keepNonVesselRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Keep == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.respondWithSource(c)(h.sources.UpdateKeepNonVessel(c.Request.Context(), c.Param("id"), *request.Keep))
}

func (h *httpHandler) handleSpoofLimit(c *gin.Context) {
	var request spoofLimitRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.SpoofLimitKM == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.respondWithSource(c)(h.sources.UpdateSpoofLimit(c.Request.Context(), c.Param("id"), *request.SpoofLimitKM))
}

func (h *httpHandler) handleDeleteSource(c *gin.Context) {
	deleteData := false
	if raw := c.Query("delete_data"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "delete_data must be a boolean"})
			return
		}
		deleteData = parsed
	}
	sourceID := c.Param("id")
	if err := h.sources.Delete(c.Request.Context(), sourceID, deleteData); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("source deleted",
		zap.String("source_id", sourceID),
		zap.Bool("delete_data", deleteData),
		zap.String("operator", c.GetString(operatorContextKey)))
	c.JSON(http.StatusOK, gin.H{"deleted": sourceID, "delete_data": deleteData})
}

func (h *httpHandler) handleDisableAll(c *gin.Context) {
	disabled, err := h.sources.DisableAll(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": disabled})
}

func (h *httpHandler) respondWithSource(c *gin.Context) func(sources.Source, error) {
	return func(source sources.Source, err error) {
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, source)
	}
}
