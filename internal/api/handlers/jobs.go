package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) RunDispatch(c *gin.Context) {
	summary, err := h.leases.Dispatch(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) RunRecover(c *gin.Context) {
	recovered, err := h.leases.Recover(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": len(recovered)})
}

// RunCheckProxies checks enabled proxies, or every proxy with ?all=true.
func (h *Handler) RunCheckProxies(c *gin.Context) {
	all := c.Query("all") == "true"

	summary, err := h.checker.CheckAll(c.Request.Context(), all)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) RunPairings(c *gin.Context) {
	summary, err := h.leases.GeneratePairings(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
