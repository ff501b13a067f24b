package audithttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

const (
	dateLayout        = "2006-01-02"
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Handler menangani permintaan audit timeline.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	rbac    rbac.Middleware
	now     func() time.Time
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service TimelineService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		rbac:    rbac,
		now:     time.Now,
	}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("load audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("export audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	csvBytes, err := audit.WriteCSV(rows)
	if err != nil {
		h.logger.Error("encode csv", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-timeline.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

// parseFilters membaca from/to (inklusif, format tanggal), actor, entity,
// action, page dan page_size dari query string.
func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	fields := map[string]string{}

	toTime := h.now().UTC().Truncate(24 * time.Hour)
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			fields["to"] = "must be YYYY-MM-DD"
		}
		toTime = parsed
	}
	fromTime := toTime.Add(-defaultDateRange)
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			fields["from"] = "must be YYYY-MM-DD"
		}
		fromTime = parsed
	}
	if len(fields) == 0 {
		if fromTime.After(toTime) {
			fields["from"] = "must not be after to"
		} else if toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
			fields["from"] = "range must not exceed 90 days"
		}
	}

	page := 1
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			fields["page"] = "must be a positive integer"
		}
		page = parsed
	}
	pageSize := 0
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			fields["page_size"] = "must be a positive integer"
		}
		pageSize = parsed
	}

	if len(fields) > 0 {
		return audit.TimelineFilters{}, &shared.ValidationError{Fields: fields}
	}
	return audit.TimelineFilters{
		From:     fromTime,
		To:       toTime.Add(24 * time.Hour),
		Actor:    strings.TrimSpace(q.Get("actor")),
		Entity:   strings.TrimSpace(q.Get("entity")),
		Action:   strings.TrimSpace(q.Get("action")),
		Page:     page,
		PageSize: pageSize,
	}, nil
}
