// Package store persists download requests, items, and per-user outcome
// counters in sqlite so the pipeline survives restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"go-media-bot/downloader"
)

// requestRecord mirrors downloader.DownloadRequest
type requestRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	UserID      int64  `gorm:"index;not null"`
	ChatID      int64  `gorm:"not null"`
	Locator     string `gorm:"type:text;not null"`
	Title       string `gorm:"size:512"`
	Format      string `gorm:"size:32;not null"`
	Status      string `gorm:"size:16;index;not null"`
	Truncated   bool
	SubmittedAt time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

func (requestRecord) TableName() string { return "download_requests" }

// itemRecord mirrors downloader.DownloadItem
type itemRecord struct {
	RequestID     string `gorm:"primaryKey;size:36"`
	ItemIndex     int    `gorm:"primaryKey;autoIncrement:false;column:item_index"`
	Locator       string `gorm:"type:text;not null"`
	Format        string `gorm:"size:32"`
	Kind          string `gorm:"size:16"`
	Title         string `gorm:"size:512"`
	SizeEstimate  int64
	Status        string `gorm:"size:16;index;not null"`
	RetryCount    int
	LastErrorCode string `gorm:"size:32"`
	BytesWritten  int64
	OutputPath    string `gorm:"size:1024"`
	UpdatedAt     time.Time
}

func (itemRecord) TableName() string { return "download_items" }

// statsRecord accumulates lifetime outcome counters per user
type statsRecord struct {
	UserID           int64 `gorm:"primaryKey"`
	Completed        int64
	Partial          int64
	Failed           int64
	Cancelled        int64
	BytesTransferred int64
	UpdatedAt        time.Time
}

func (statsRecord) TableName() string { return "user_stats" }

// nonTerminalStatuses selects requests startup recovery cares about
var nonTerminalStatuses = []string{
	string(downloader.StatusPending),
	string(downloader.StatusResolving),
	string(downloader.StatusQueued),
	string(downloader.StatusRunning),
}

// terminalStatuses selects requests the retention purge may remove
var terminalStatuses = []string{
	string(downloader.StatusCompleted),
	string(downloader.StatusPartial),
	string(downloader.StatusFailed),
	string(downloader.StatusCancelled),
}

// SQLStore implements downloader.Store over a sqlite database
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens or creates the sqlite database at path and migrates the
// schema
func Open(path string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&requestRecord{}, &itemRecord{}, &statsRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLStore{db: db, logger: logger.Named("store")}, nil
}

// Close releases the underlying database handle
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRequest upserts a request and all of its items in one transaction
func (s *SQLStore) SaveRequest(ctx context.Context, request *downloader.DownloadRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := toRequestRecord(request)
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
			return fmt.Errorf("saving request %s: %w", request.ID, err)
		}
		for _, item := range request.Items {
			itemRec := toItemRecord(item)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&itemRec).Error; err != nil {
				return fmt.Errorf("saving item %s/%d: %w", item.RequestID, item.Index, err)
			}
		}
		return nil
	})
}

// SaveItem upserts a single item
func (s *SQLStore) SaveItem(ctx context.Context, item *downloader.DownloadItem) error {
	record := toItemRecord(item)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("saving item %s/%d: %w", item.RequestID, item.Index, err)
	}
	return nil
}

// LoadRequest fetches one request with its items
func (s *SQLStore) LoadRequest(ctx context.Context, id string) (*downloader.DownloadRequest, error) {
	var record requestRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request %s not found", id)
		}
		return nil, fmt.Errorf("loading request %s: %w", id, err)
	}
	request := fromRequestRecord(&record)
	if err := s.attachItems(ctx, request); err != nil {
		return nil, err
	}
	return request, nil
}

// LoadPendingRequests fetches every non-terminal request in submission
// order, items included
func (s *SQLStore) LoadPendingRequests(ctx context.Context) ([]*downloader.DownloadRequest, error) {
	var records []requestRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", nonTerminalStatuses).
		Order("submitted_at").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("loading pending requests: %w", err)
	}

	requests := make([]*downloader.DownloadRequest, 0, len(records))
	for i := range records {
		request := fromRequestRecord(&records[i])
		if err := s.attachItems(ctx, request); err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, nil
}

// attachItems loads a request's items in index order
func (s *SQLStore) attachItems(ctx context.Context, request *downloader.DownloadRequest) error {
	var records []itemRecord
	err := s.db.WithContext(ctx).
		Where("request_id = ?", request.ID).
		Order("item_index").
		Find(&records).Error
	if err != nil {
		return fmt.Errorf("loading items for %s: %w", request.ID, err)
	}
	for i := range records {
		request.Items = append(request.Items, fromItemRecord(&records[i]))
	}
	return nil
}

// RecordOutcome bumps the user's counter for a terminal request status
func (s *SQLStore) RecordOutcome(ctx context.Context, userID int64, status downloader.RequestStatus, bytes int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record statsRecord
		err := tx.First(&record, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record = statsRecord{UserID: userID}
		} else if err != nil {
			return fmt.Errorf("loading stats for user %d: %w", userID, err)
		}

		switch status {
		case downloader.StatusCompleted:
			record.Completed++
		case downloader.StatusPartial:
			record.Partial++
		case downloader.StatusFailed:
			record.Failed++
		case downloader.StatusCancelled:
			record.Cancelled++
		default:
			return fmt.Errorf("recording non-terminal status %q for user %d", status, userID)
		}
		record.BytesTransferred += bytes
		record.UpdatedAt = time.Now()

		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
			return fmt.Errorf("saving stats for user %d: %w", userID, err)
		}
		return nil
	})
}

// UserStats returns a user's lifetime counters, zeroed when unknown
func (s *SQLStore) UserStats(ctx context.Context, userID int64) (*downloader.OutcomeStats, error) {
	var record statsRecord
	err := s.db.WithContext(ctx).First(&record, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &downloader.OutcomeStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading stats for user %d: %w", userID, err)
	}
	return &downloader.OutcomeStats{
		UserID:           record.UserID,
		Completed:        record.Completed,
		Partial:          record.Partial,
		Failed:           record.Failed,
		Cancelled:        record.Cancelled,
		BytesTransferred: record.BytesTransferred,
	}, nil
}

// PurgeTerminal deletes terminal requests older than the window along
// with their items, returning how many requests went away
func (s *SQLStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	var removed int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&requestRecord{}).
			Where("status IN ? AND completed_at < ?", terminalStatuses, cutoff).
			Pluck("id", &ids).Error
		if err != nil {
			return fmt.Errorf("selecting purgeable requests: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("request_id IN ?", ids).Delete(&itemRecord{}).Error; err != nil {
			return fmt.Errorf("purging items: %w", err)
		}
		result := tx.Where("id IN ?", ids).Delete(&requestRecord{})
		if result.Error != nil {
			return fmt.Errorf("purging requests: %w", result.Error)
		}
		removed = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// toRequestRecord converts the domain request for storage
func toRequestRecord(request *downloader.DownloadRequest) requestRecord {
	record := requestRecord{
		ID:          request.ID,
		UserID:      request.UserID,
		ChatID:      request.ChatID,
		Locator:     request.Locator,
		Title:       request.Title,
		Format:      string(request.Format),
		Status:      string(request.Status),
		Truncated:   request.Truncated,
		SubmittedAt: request.SubmittedAt,
		UpdatedAt:   time.Now(),
	}
	if !request.CompletedAt.IsZero() {
		completed := request.CompletedAt
		record.CompletedAt = &completed
	}
	return record
}

// fromRequestRecord converts a stored request back to the domain type
func fromRequestRecord(record *requestRecord) *downloader.DownloadRequest {
	request := &downloader.DownloadRequest{
		ID:          record.ID,
		UserID:      record.UserID,
		ChatID:      record.ChatID,
		Locator:     record.Locator,
		Title:       record.Title,
		Format:      downloader.MediaFormat(record.Format),
		Status:      downloader.RequestStatus(record.Status),
		Truncated:   record.Truncated,
		SubmittedAt: record.SubmittedAt,
	}
	if record.CompletedAt != nil {
		request.CompletedAt = *record.CompletedAt
	}
	return request
}

// toItemRecord converts the domain item for storage
func toItemRecord(item *downloader.DownloadItem) itemRecord {
	return itemRecord{
		RequestID:     item.RequestID,
		ItemIndex:     item.Index,
		Locator:       item.Locator,
		Format:        string(item.Format),
		Kind:          string(item.Kind),
		Title:         item.Title,
		SizeEstimate:  item.SizeEstimate,
		Status:        string(item.Status),
		RetryCount:    item.RetryCount,
		LastErrorCode: string(item.LastErrorCode),
		BytesWritten:  item.BytesWritten,
		OutputPath:    item.OutputPath,
		UpdatedAt:     time.Now(),
	}
}

// fromItemRecord converts a stored item back to the domain type
func fromItemRecord(record *itemRecord) *downloader.DownloadItem {
	return &downloader.DownloadItem{
		RequestID:     record.RequestID,
		Index:         record.ItemIndex,
		Locator:       record.Locator,
		Format:        downloader.MediaFormat(record.Format),
		Kind:          downloader.TransferKind(record.Kind),
		Title:         record.Title,
		SizeEstimate:  record.SizeEstimate,
		Status:        downloader.ItemStatus(record.Status),
		RetryCount:    record.RetryCount,
		LastErrorCode: downloader.ErrorCode(record.LastErrorCode),
		BytesWritten:  record.BytesWritten,
		OutputPath:    record.OutputPath,
	}
}
