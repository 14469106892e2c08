package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().Unix()})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"uptime_seconds": int64(s.game.Uptime().Seconds()),
		"players":        s.game.PlayerCount(),
		"rooms":          len(s.rooms.Rooms()),
		"max_players":    s.cfg.GetGame().MaxPlayers,
	}
	if s.monitor != nil {
		status["system"] = s.monitor.Stats()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": s.rooms.ListRooms()})
}

func (s *Server) handleRoomDetail(c *gin.Context) {
	r := s.rooms.Room(c.Param("code"))
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":    r.Info(),
		"players": s.game.Players(),
	})
}

func (s *Server) handleRecentRaces(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "results store disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	races, err := s.store.RecentRaces(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"races": races})
}

func (s *Server) handleRaceResults(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "results store disabled"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid race id"})
		return
	}
	results, err := s.store.RaceResults(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(results) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "race not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "results store disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	board, err := s.store.Leaderboard(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": board})
}

type createRoomRequest struct {
	Name       string `json:"name" binding:"required"`
	Private    bool   `json:"private"`
	MaxPlayers byte   `json:"max_players"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := s.rooms.CreateRoom(req.Name, req.Private, req.MaxPlayers)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": r.Info()})
}

func (s *Server) handleForceStart(c *gin.Context) {
	r := s.rooms.Room(c.Param("code"))
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	r.ForceStart()
	c.JSON(http.StatusOK, gin.H{"room": r.Code(), "starting": true})
}

func (s *Server) handleKick(c *gin.Context) {
	r := s.rooms.Room(c.Param("code"))
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	id, err := strconv.ParseUint(c.Param("player"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid player id"})
		return
	}
	if !r.Kick(byte(id)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not in room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kicked": id})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health monitor disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"system":   s.monitor.Stats(),
		"tick_lag": s.monitor.RecentLag(),
	})
}
