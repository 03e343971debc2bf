package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
	"github.com/leozw/credentials-manager/internal/leases"
)

type OutcomeRequest struct {
	LeaseID           string          `json:"lease_id"`
	Status            string          `json:"status" binding:"required"`
	Cookies           json.RawMessage `json:"cookies"`
	RequestCount      map[string]int  `json:"request_count"`
	Limit             map[string]int  `json:"limit"`
	StatusDescription string          `json:"status_description" binding:"max=1024"`
}

type UsageRequest struct {
	LeaseID           string         `json:"lease_id" binding:"required"`
	RequestCount      map[string]int `json:"request_count"`
	Limit             map[string]int `json:"limit"`
	Status            string         `json:"status" binding:"required"`
	StatusDescription string         `json:"status_description" binding:"max=1024"`
}

// ListLeases lists leases, optionally filtered by ?status= and ?network=.
func (h *Handler) ListLeases(c *gin.Context) {
	list, err := h.leases.ListLeases(c.Request.Context(), db.LeaseFilter{
		Status:  core.LeaseStatus(c.Query("status")),
		Network: c.Query("network"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leases": list, "count": len(list)})
}

// GetLease hands out the next queued lease of a network. Batch networks get
// every lease of one message under "leases".
func (h *Handler) GetLease(c *gin.Context) {
	network := c.Param("ref")

	delivery, err := h.leases.Retrieve(c.Request.Context(), network)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if delivery.Batch || h.leases.IsBatch(network) {
		c.JSON(http.StatusOK, gin.H{"leases": delivery.Leases})
		return
	}
	c.JSON(http.StatusOK, delivery.Leases[0])
}

func (h *Handler) ReportOutcome(c *gin.Context) {
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	leaseID := req.LeaseID
	if id := c.Param("ref"); id != "" {
		leaseID = id
	}

	lease, err := h.leases.ReportOutcome(c.Request.Context(), core.OutcomeReport{
		LeaseID:           leaseID,
		Status:            core.LeaseStatus(req.Status),
		Cookies:           req.Cookies,
		RequestCount:      req.RequestCount,
		Limit:             req.Limit,
		StatusDescription: req.StatusDescription,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, lease)
}

func (h *Handler) ResetLease(c *gin.Context) {
	lease, err := h.leases.ResetLease(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lease)
}

func (h *Handler) RecordUsage(c *gin.Context) {
	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := h.leases.RecordUsage(c.Request.Context(), leases.UsageReport{
		LeaseID:           req.LeaseID,
		RequestCount:      req.RequestCount,
		Limit:             req.Limit,
		Status:            core.LeaseStatus(req.Status),
		StatusDescription: req.StatusDescription,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (h *Handler) GetLimits(c *gin.Context) {
	types, err := h.leases.NetworkLimits(c.Request.Context(), c.Param("network"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parsing_types": types})
}

// GetProxy returns the least loaded healthy proxy of a network.
func (h *Handler) GetProxy(c *gin.Context) {
	proxy, err := h.leases.LeastLoadedProxy(c.Request.Context(), c.Param("network"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        proxy.ID,
		"proxy_url": proxy.URL(true),
		"mobile":    proxy.Mobile,
		"market":    proxy.Market,
	})
}

// ListProxies lists healthy proxies, least paired first.
func (h *Handler) ListProxies(c *gin.Context) {
	proxies, err := h.leases.ListProxies(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, gin.H{
			"id":          p.ID,
			"proxy_url":   p.URL(true),
			"mobile":      p.Mobile,
			"market":      p.Market,
			"lease_count": p.LeaseCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"proxies": out})
}
