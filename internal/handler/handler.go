package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"choirattendance/internal/attendance"
	"choirattendance/internal/auth"
	"choirattendance/internal/metrics"
)

// Handler serves the attendance endpoints over an attendance.Service.
type Handler struct {
	svc     *attendance.Service
	metrics *metrics.Metrics
}

// New creates a Handler. m may be nil to skip metrics.
func New(svc *attendance.Service, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, metrics: m}
}

// Routes mounts the attendance endpoints on an authenticated group.
// registerGuards run before RegisterAttendance, after authentication.
func (h *Handler) Routes(rg *gin.RouterGroup, registerGuards ...gin.HandlerFunc) {
	groups := rg.Group("/groups/:groupSlug/attendance")
	groups.POST("/start", h.StartSession)
	groups.GET("/status", h.SessionStatus)
	groups.GET("/days", h.ListDays)
	groups.GET("/days/:date", h.DayDetail)

	register := append(append([]gin.HandlerFunc{}, registerGuards...), h.RegisterAttendance)
	rg.POST("/attendance/register", register...)
}

// ---------- Start / Status ----------

type sessionResponse struct {
	AttendanceCode string `json:"attendanceCode"`
	ExpiresAt      int64  `json:"expiresAt"`
}

// StartSession returns 201 when a session was created and 200 when today's
// live session already existed.
func (h *Handler) StartSession(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	res, err := h.svc.Start(c.Request.Context(), caller, c.Param("groupSlug"))
	if err != nil {
		h.fail(c, "start", err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		h.metrics.SessionStarted()
	}
	h.metrics.Observe("start", "ok")
	c.JSON(status, sessionResponse{AttendanceCode: res.AttendanceCode, ExpiresAt: res.ExpiresAt})
}

type statusResponse struct {
	IsActive       bool   `json:"isActive"`
	AttendanceCode string `json:"attendanceCode,omitempty"`
	ExpiresAt      int64  `json:"expiresAt,omitempty"`
}

func (h *Handler) SessionStatus(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	st, err := h.svc.Status(c.Request.Context(), caller, c.Param("groupSlug"))
	if err != nil {
		h.fail(c, "status", err)
		return
	}
	h.metrics.Observe("status", "ok")
	c.JSON(http.StatusOK, statusResponse{IsActive: st.Active, AttendanceCode: st.AttendanceCode, ExpiresAt: st.ExpiresAt})
}

// ---------- Register ----------

type registerRequest struct {
	AttendanceCode string `json:"attendanceCode" binding:"required"`
	GroupSlug      string `json:"groupSlug"`
}

// RegisterAttendance marks the caller present. The member identifier comes
// from the verified token, never from the body.
func (h *Handler) RegisterAttendance(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.Observe("register", attendance.KindBadRequest.String())
		msg := "invalid request body"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msg = attendance.ErrCodeRequired.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	err := h.svc.Register(c.Request.Context(), caller, attendance.RegisterInput{
		AttendanceCode: req.AttendanceCode,
		GroupSlug:      req.GroupSlug,
	})
	if err != nil {
		h.fail(c, "register", err)
		return
	}
	h.metrics.Registered()
	h.metrics.Observe("register", "ok")
	c.JSON(http.StatusOK, gin.H{})
}

// ---------- Days ----------

type attendanceDay struct {
	Date string `json:"date"`
}

func (h *Handler) ListDays(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	dates, err := h.svc.ListDays(c.Request.Context(), caller, c.Param("groupSlug"))
	if err != nil {
		h.fail(c, "list_days", err)
		return
	}
	days := make([]attendanceDay, 0, len(dates))
	for _, d := range dates {
		days = append(days, attendanceDay{Date: d})
	}
	h.metrics.Observe("list_days", "ok")
	c.JSON(http.StatusOK, gin.H{"attendanceDays": days})
}

func (h *Handler) DayDetail(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	members, err := h.svc.DayAttendance(c.Request.Context(), caller, c.Param("groupSlug"), c.Param("date"))
	if err != nil {
		h.fail(c, "day_detail", err)
		return
	}
	if members == nil {
		members = []string{}
	}
	h.metrics.Observe("day_detail", "ok")
	c.JSON(http.StatusOK, gin.H{"presentMembers": members})
}

// ---------- helpers ----------

func (h *Handler) caller(c *gin.Context) (attendance.AuthContext, bool) {
	caller, ok := auth.FromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
		return attendance.AuthContext{}, false
	}
	return caller, true
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	kind := attendance.KindOf(err)
	h.metrics.Observe(op, kind.String())

	msg := err.Error()
	status := http.StatusInternalServerError
	switch kind {
	case attendance.KindBadRequest:
		status = http.StatusBadRequest
	case attendance.KindForbidden:
		status = http.StatusForbidden
	case attendance.KindNotFound:
		status = http.StatusNotFound
	case attendance.KindGone:
		status = http.StatusGone
	default:
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}
