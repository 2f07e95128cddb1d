package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillEntryHasReactions   = "2026-10-16_backfill_entry_has_reactions"
	migrationBackfillEntryHasAttachments = "2026-10-16_backfill_entry_has_attachments"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEntryHasReactions, apply: backfillEntryHasReactions},
		{name: migrationBackfillEntryHasAttachments, apply: backfillEntryHasAttachments},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Text entries written before reaction summaries kept the flag in sync.
func backfillEntryHasReactions(db *gorm.DB) error {
	return db.Exec(`UPDATE chat_entries SET has_reactions = EXISTS (
		SELECT 1 FROM chat_reactions WHERE chat_reactions.entry_id = chat_entries.id
	) WHERE kind = ?`, chats.EntryKindText).Error
}

func backfillEntryHasAttachments(db *gorm.DB) error {
	return db.Exec(`UPDATE chat_entries SET has_attachments = EXISTS (
		SELECT 1 FROM chat_entry_attachments WHERE chat_entry_attachments.entry_id = chat_entries.id
	) WHERE kind = ?`, chats.EntryKindText).Error
}
