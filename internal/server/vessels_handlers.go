package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 100

type queryError struct {
	parameter string
}

func (e queryError) Error() string {
	return "invalid query parameter " + e.parameter
}

// queryInt reads an optional integer query parameter.
func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, queryError{parameter: name}
	}
	return value, nil
}

func queryBool(c *gin.Context, name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, queryError{parameter: name}
	}
	return value, nil
}

// queryTime accepts RFC 3339 timestamps.
func queryTime(c *gin.Context, name string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, queryError{parameter: name}
	}
	return value, nil
}

func badQuery(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
}

func (h *httpHandler) handleActiveVessels(c *gin.Context) {
	var filter tracking.ActiveFilter
	var err error
	if filter.Limit, err = queryInt(c, "limit", 0); err != nil {
		badQuery(c, err)
		return
	}
	if filter.MinPositions, err = queryInt(c, "min_positions", 0); err != nil {
		badQuery(c, err)
		return
	}
	if filter.HoursBack, err = queryInt(c, "hours_back", 0); err != nil {
		badQuery(c, err)
		return
	}
	if filter.IncludeNonVessels, err = queryBool(c, "include_non_vessels", false); err != nil {
		badQuery(c, err)
		return
	}
	result, err := h.tracking.ActiveVessels(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSearchVessels(c *gin.Context) {
	search := tracking.SearchQuery{
		StationID: c.Query("station_id"),
		Name:      c.Query("name"),
		Callsign:  c.Query("callsign"),
	}
	var err error
	if search.Limit, err = queryInt(c, "limit", 0); err != nil {
		badQuery(c, err)
		return
	}
	if raw := strings.TrimSpace(c.Query("ship_type")); raw != "" {
		shipType, convErr := strconv.Atoi(raw)
		if convErr != nil {
			badQuery(c, queryError{parameter: "ship_type"})
			return
		}
		search.ShipType = &shipType
	}
	if search.Since, err = queryTime(c, "since"); err != nil {
		badQuery(c, err)
		return
	}
	if search.Until, err = queryTime(c, "until"); err != nil {
		badQuery(c, err)
		return
	}
	vessels, err := h.tracking.Search(c.Request.Context(), search)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vessels": vessels, "count": len(vessels)})
}

func (h *httpHandler) handleVessel(c *gin.Context) {
	vessel, err := h.tracking.Vessel(c.Request.Context(), c.Param("station"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, vessel)
}

func (h *httpHandler) handleTrack(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badQuery(c, err)
		return
	}
	stationID := c.Param("station")
	track, err := h.tracking.Track(c.Request.Context(), stationID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"station_id": stationID, "track": track, "count": len(track)})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "enrichment_disabled"})
		return
	}
	limit, err := queryInt(c, "limit", defaultHistoryLimit)
	if err != nil {
		badQuery(c, err)
		return
	}
	stationID := c.Param("station")
	history, err := h.history.History(c.Request.Context(), stationID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"station_id": stationID, "history": history, "count": len(history)})
}

func (h *httpHandler) handleRecentPositions(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badQuery(c, err)
		return
	}
	positions, err := h.tracking.RecentPositions(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (h *httpHandler) handleTextMessages(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badQuery(c, err)
		return
	}
	messages, err := h.tracking.TextMessages(c.Request.Context(), tracking.TextFilter{
		Limit:     limit,
		StationID: c.Query("station_id"),
		SourceID:  c.Query("source_id"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}
