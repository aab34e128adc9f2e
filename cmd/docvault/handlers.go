package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lgulliver/docvault/internal/auth"
	"github.com/lgulliver/docvault/internal/vault"
	"github.com/lgulliver/docvault/pkg/config"
	"github.com/lgulliver/docvault/pkg/types"
	"github.com/rs/zerolog/log"
)

func handleLogin(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid request format",
			})
			return
		}

		token, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   "invalid credentials",
			})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Message: "login successful",
			Data:    token,
		})
	}
}

func handleCreateAPIKey(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name      string     `json:"name" binding:"required"`
			ExpiresAt *time.Time `json:"expires_at"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid request format",
			})
			return
		}

		userID := c.MustGet(auth.UserIDKey).(uuid.UUID)
		key, apiKey, err := authService.CreateAPIKey(c.Request.Context(), userID, req.Name, req.ExpiresAt)
		if err != nil {
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "failed to create API key",
			})
			return
		}

		c.JSON(http.StatusCreated, types.APIResponse{
			Success: true,
			Message: "API key created",
			Data: gin.H{
				"key":     key,
				"api_key": apiKey,
			},
		})
	}
}

func handleRevokeAPIKey(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid key id",
			})
			return
		}

		userID := c.MustGet(auth.UserIDKey).(uuid.UUID)
		if err := authService.RevokeAPIKey(c.Request.Context(), userID, keyID); err != nil {
			c.JSON(http.StatusNotFound, types.APIResponse{
				Success: false,
				Error:   "API key not found",
			})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Message: "API key revoked",
		})
	}
}

// handleUpload accepts a multipart upload under the form field "file" and
// answers with the document id under the configured key.
func handleUpload(vaultService *vault.Service, cfg *config.UploadConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "missing file field",
			})
			return
		}
		defer file.Close()

		userID := c.MustGet(auth.UserIDKey).(uuid.UUID)
		doc, err := vaultService.Upload(c.Request.Context(), header.Filename, header.Header.Get("Content-Type"), file, userID)
		if err != nil {
			var verr *vault.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusOK, gin.H{
					"success": false,
					"message": verr.Reason,
				})
				return
			}
			log.Error().Err(err).Str("file_name", header.Filename).Msg("upload failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"message": "upload failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":           true,
			cfg.DocumentIDParam: doc.ID.String(),
			"message":           "document accepted",
		})
	}
}

func handleStatus(vaultService *vault.Service, cfg *config.UploadConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIDFromQuery(c, cfg)
		if !ok {
			return
		}

		status, err := vaultService.Status(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				c.JSON(http.StatusNotFound, types.APIResponse{
					Success: false,
					Error:   "document not found",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "failed to get status",
			})
			return
		}

		c.JSON(http.StatusOK, types.ScanStatusResponse{Status: status})
	}
}

func handleDelete(vaultService *vault.Service, cfg *config.UploadConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIDFromQuery(c, cfg)
		if !ok {
			return
		}

		if err := vaultService.Delete(c.Request.Context(), id); err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				c.JSON(http.StatusNotFound, types.APIResponse{
					Success: false,
					Error:   "document not found",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "failed to delete document",
			})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Message: "document deleted",
		})
	}
}

func handleDownload(vaultService *vault.Service, cfg *config.UploadConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIDFromQuery(c, cfg)
		if !ok {
			return
		}

		doc, content, err := vaultService.Download(c.Request.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, vault.ErrNotFound):
				c.JSON(http.StatusNotFound, types.APIResponse{
					Success: false,
					Error:   "document not found",
				})
			case errors.Is(err, vault.ErrNotDownloadable):
				c.JSON(http.StatusForbidden, types.APIResponse{
					Success: false,
					Error:   "document is not downloadable",
				})
			default:
				c.JSON(http.StatusInternalServerError, types.APIResponse{
					Success: false,
					Error:   "failed to download document",
				})
			}
			return
		}
		defer content.Close()

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.FileName))
		c.DataFromReader(http.StatusOK, doc.Size, doc.ContentType, content, nil)
	}
}

// documentIDFromQuery reads the document id from the configured query
// parameter; a missing or malformed id has already been answered when ok is
// false.
func documentIDFromQuery(c *gin.Context, cfg *config.UploadConfig) (uuid.UUID, bool) {
	param := cfg.DocumentIDParam
	if param == "" {
		param = "documentId"
	}

	raw := c.Query(param)
	if raw == "" {
		c.JSON(http.StatusBadRequest, types.APIResponse{
			Success: false,
			Error:   fmt.Sprintf("missing %s parameter", param),
		})
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.APIResponse{
			Success: false,
			Error:   fmt.Sprintf("invalid %s parameter", param),
		})
		return uuid.Nil, false
	}

	return id, true
}
