package audit

import (
	"context"
	"fmt"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	// ExportLimit membatasi jumlah baris satu kali ekspor.
	ExportLimit = 5000
)

// Repository membaca audit_logs. limit <= 0 berarti tanpa batas.
type Repository interface {
	Timeline(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error)
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline mengambil data audit dengan paging.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}

	// Ambil satu baris ekstra untuk mengetahui halaman berikutnya.
	rows, err := s.repo.Timeline(ctx, filters, pageSize+1, (page-1)*pageSize)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export mengambil data timeline tanpa paging, dibatasi ExportLimit.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.Timeline(ctx, filters, ExportLimit, 0)
}
