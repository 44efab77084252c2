package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MagicCat3022/Magic-File-Transfer/internal/chunkstore"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/manager"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/metrics"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/model"
)

func errJSON(c *gin.Context, status int, code string) {
	c.JSON(status, gin.H{"error": code})
}

// mapManagerError translates a Manager error into the wire error code
// and HTTP status the original contract specifies.
func mapManagerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, manager.ErrUserNotFound):
		errJSON(c, http.StatusNotFound, "user_not_found")
	case errors.Is(err, manager.ErrUploadNotFound):
		errJSON(c, http.StatusNotFound, "upload_not_found")
	case errors.Is(err, manager.ErrInvalidSizes):
		errJSON(c, http.StatusBadRequest, "invalid_sizes")
	case errors.Is(err, manager.ErrChunkOutOfRange):
		errJSON(c, http.StatusBadRequest, "chunk_out_of_range")
	case errors.Is(err, manager.ErrInvalidAction):
		errJSON(c, http.StatusBadRequest, "invalid_action")
	default:
		var missing chunkstore.MissingChunkError
		if errors.As(err, &missing) {
			errJSON(c, http.StatusInternalServerError, "missing_chunk_"+strconv.Itoa(missing.Index))
			return
		}
		errJSON(c, http.StatusInternalServerError, "internal_error")
	}
}

type identifyRequest struct {
	UserKey string `json:"userKey"`
}

func (s *Server) handleIdentify(c *gin.Context) {
	var req identifyRequest
	_ = c.ShouldBindJSON(&req)

	result, err := s.manager.IdentifyUser(req.UserKey)
	if err != nil {
		mapManagerError(c, err)
		return
	}
	snap, err := s.manager.GetUserSnapshot(result.UserKey)
	if err != nil && !errors.Is(err, manager.ErrUserNotFound) {
		mapManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userKey": result.UserKey, "created": result.Created, "uploads": snap})
}

func (s *Server) handleGetSnapshot(c *gin.Context) {
	userKey := c.Query("userKey")
	if userKey == "" {
		errJSON(c, http.StatusBadRequest, "missing_user_key")
		return
	}
	snap, err := s.manager.GetUserSnapshot(userKey)
	if err != nil {
		mapManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleGetUpload(c *gin.Context) {
	userKey := c.Query("userKey")
	if userKey == "" {
		errJSON(c, http.StatusBadRequest, "missing_user_key")
		return
	}
	upload, location, err := s.manager.GetUpload(userKey, c.Param("id"))
	if err != nil {
		mapManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": upload, "location": location})
}

type createUploadRequest struct {
	UserKey   string `json:"userKey"`
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	ChunkSize int64  `json:"chunkSize"`
	Persist   bool   `json:"persist"`
}

func (s *Server) handleCreateUpload(c *gin.Context) {
	var req createUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, http.StatusBadRequest, "missing_fields")
		return
	}
	if req.UserKey == "" || req.FileName == "" {
		errJSON(c, http.StatusBadRequest, "missing_fields")
		return
	}

	upload, err := s.manager.CreateUpload(manager.CreateUploadParams{
		UserKey: req.UserKey, FileName: req.FileName,
		FileSize: req.FileSize, ChunkSize: req.ChunkSize, Persist: req.Persist,
	})
	if err != nil {
		mapManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": upload})
}

func (s *Server) handleChunkUpload(c *gin.Context) {
	uploadID := c.Param("id")
	userKey := c.PostForm("userKey")
	if userKey == "" {
		errJSON(c, http.StatusBadRequest, "missing_user_key")
		return
	}
	chunkIndexStr := c.PostForm("chunkIndex")
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		errJSON(c, http.StatusBadRequest, "invalid_chunk_index")
		return
	}

	file, _, err := c.Request.FormFile("chunk")
	if err != nil {
		errJSON(c, http.StatusBadRequest, "missing_chunk")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxChunkSize+1))
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "internal_error")
		return
	}
	if int64(len(data)) > s.maxChunkSize {
		errJSON(c, http.StatusRequestEntityTooLarge, "chunk_too_large")
		return
	}

	result, err := s.manager.RecordChunk(userKey, uploadID, chunkIndex, data)
	if err != nil {
		mapManagerError(c, err)
		return
	}
	metrics.ChunksReceivedTotal.Inc()

	if !result.Completed {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "upload": result.Upload})
		return
	}

	finalized, err := s.manager.FinalizeUpload(userKey, uploadID)
	if err != nil {
		mapManagerError(c, err)
		return
	}
	metrics.UploadsCompletedTotal.Inc()
	if err := s.manager.PurgeScratch(uploadID); err != nil {
		// scratch dir is already removed by Assemble in the common case;
		// failing to remove a stray leftover is ignored, not fatal here.
		_ = err
	}

	snap, err := s.manager.GetUserSnapshot(userKey)
	if err != nil {
		mapManagerError(c, err)
		return
	}
	resp := gin.H{"status": "completed", "upload": finalized, "uploads": snap}
	if token, err := s.manager.MintDownloadToken(uploadID); err == nil {
		resp["downloadToken"] = token
		resp["downloadUrl"] = "/api/uploads/" + uploadID + "/download?token=" + token
	}
	c.JSON(http.StatusOK, resp)
}

type updateStateRequest struct {
	UserKey string `json:"userKey"`
	Action  string `json:"action"`
}

func (s *Server) handleUpdateState(c *gin.Context) {
	uploadID := c.Param("id")
	var req updateStateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserKey == "" {
		errJSON(c, http.StatusBadRequest, "missing_fields")
		return
	}

	switch req.Action {
	case "pause":
		upload, err := s.manager.UpdateStatus(req.UserKey, uploadID, model.StatusPaused)
		if err != nil {
			mapManagerError(c, err)
			return
		}
		s.respondWithSnapshot(c, req.UserKey, upload)
	case "resume":
		upload, err := s.manager.UpdateStatus(req.UserKey, uploadID, model.StatusActive)
		if err != nil {
			mapManagerError(c, err)
			return
		}
		s.respondWithSnapshot(c, req.UserKey, upload)
	case "cancel", "forget":
		upload, err := s.manager.RemoveUpload(manager.RemoveUploadParams{
			UserKey: req.UserKey, UploadID: uploadID, Forget: req.Action == "forget",
		})
		if err != nil {
			mapManagerError(c, err)
			return
		}
		if err := s.manager.PurgeScratch(uploadID); err != nil {
			_ = err
		}
		s.respondWithSnapshot(c, req.UserKey, upload)
	default:
		errJSON(c, http.StatusBadRequest, "invalid_action")
	}
}

func (s *Server) respondWithSnapshot(c *gin.Context, userKey string, upload model.Upload) {
	snap, err := s.manager.GetUserSnapshot(userKey)
	if err != nil {
		mapManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": upload, "uploads": snap})
}

type clearHistoryRequest struct {
	UserKey string `json:"userKey"`
}

func (s *Server) handleClearHistory(c *gin.Context) {
	var req clearHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserKey == "" {
		errJSON(c, http.StatusBadRequest, "missing_user_key")
		return
	}
	if err := s.manager.ClearHistory(req.UserKey); err != nil {
		mapManagerError(c, err)
		return
	}
	snap, err := s.manager.GetUserSnapshot(req.UserKey)
	if err != nil {
		mapManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleNetworkProbe(c *gin.Context) {
	file, _, err := c.Request.FormFile("sample")
	if err != nil {
		errJSON(c, http.StatusBadRequest, "missing_sample")
		return
	}
	defer file.Close()

	start := time.Now()
	n, err := io.Copy(io.Discard, io.LimitReader(file, s.maxProbeSize+1))
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"bytes": n, "elapsedMs": time.Since(start).Milliseconds()})
}
