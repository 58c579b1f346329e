package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/validation"
)

// recordLogin feeds a login attempt to the sentinel and returns its verdict. What to do with a
// suspicious login is the auth service's call.
func (h *handler) recordLogin(c *gin.Context) {
	var req validation.LoginEventRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	ip := req.IP
	if ip == "" {
		ip = c.ClientIP()
	}
	ua := req.UserAgent
	if ua == "" {
		ua = c.Request.UserAgent()
	}
	v := h.cfg.Logins.RecordLogin(req.Email, *req.Success, fraud.ActorMeta{IP: ip, UserAgent: ua})
	c.JSON(http.StatusOK, gin.H{
		"suspicious": v.Suspicious,
		"reasons":    v.Reasons,
	})
}
