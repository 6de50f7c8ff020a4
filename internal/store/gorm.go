package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type roomRow struct {
	Code string `gorm:"primaryKey;size:10"`
	Mode string `gorm:"size:20;not null"`
}

func (roomRow) TableName() string { return "rooms" }

type backlogRow struct {
	ID          uint   `gorm:"primaryKey"`
	RoomCode    string `gorm:"size:10;index;not null"`
	ExternalID  string `gorm:"size:100;not null"`
	Title       string `gorm:"size:255;not null"`
	Description string
	Order       int    `gorm:"column:item_order;not null"`
	Estimate    string `gorm:"size:20"`
}

func (backlogRow) TableName() string { return "backlog_items" }

// GormStore persists rooms and backlogs in Postgres.
type GormStore struct {
	db *gorm.DB
}

func OpenGorm(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&roomRow{}, &backlogRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreateRoom(ctx context.Context, code, mode string) error {
	return s.db.WithContext(ctx).Create(&roomRow{Code: code, Mode: mode}).Error
}

func (s *GormStore) Room(ctx context.Context, code string) (RoomRecord, error) {
	var row roomRow
	err := s.db.WithContext(ctx).First(&row, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomRecord{}, ErrNotFound
	}
	if err != nil {
		return RoomRecord{}, err
	}
	return RoomRecord{Code: row.Code, Mode: row.Mode}, nil
}

func (s *GormStore) ReplaceBacklog(ctx context.Context, code string, items []Item) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room roomRow
		if err := tx.First(&room, "code = ?", code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Where("room_code = ?", code).Delete(&backlogRow{}).Error; err != nil {
			return err
		}
		rows := make([]backlogRow, len(items))
		for i, it := range items {
			rows[i] = backlogRow{
				RoomCode:    code,
				ExternalID:  it.ExternalID,
				Title:       it.Title,
				Description: it.Description,
				Order:       it.Order,
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (s *GormStore) Backlog(ctx context.Context, code string) ([]Item, error) {
	var rows []backlogRow
	err := s.db.WithContext(ctx).
		Where("room_code = ?", code).
		Order("item_order asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(rows))
	for i, r := range rows {
		items[i] = Item{
			ExternalID:  r.ExternalID,
			Title:       r.Title,
			Description: r.Description,
			Order:       r.Order,
			Estimate:    r.Estimate,
		}
	}
	return items, nil
}

func (s *GormStore) SetEstimate(ctx context.Context, code, externalID, value string) error {
	res := s.db.WithContext(ctx).
		Model(&backlogRow{}).
		Where("room_code = ? AND external_id = ?", code, externalID).
		Update("estimate", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
