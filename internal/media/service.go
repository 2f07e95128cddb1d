package media

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGet    = "media.get"
	opCopy   = "media.copy"
	opChange = "media.change"
)

// MediaDiff lists the fields a Create or Update sets.
type MediaDiff struct {
	ContentID   *string
	ContentType *string
	Width       *int
	Height      *int
	Length      *int64
}

// ChangeCommand creates, updates or removes a media item. On Create an
// empty MediaID gets a generated local id under ScopeID.
type ChangeCommand struct {
	ScopeID         string
	MediaID         string
	ExpectedVersion int64
	Change          chats.Change[MediaDiff]
}

// ServiceConfig describes the dependencies of the media service.
type ServiceConfig struct {
	Database *gorm.DB
	Versions *chats.VersionGenerator
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db       *gorm.DB
	versions *chats.VersionGenerator
	clock    func() time.Time
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("media: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	versions := cfg.Versions
	if versions == nil {
		versions = chats.NewVersionGenerator(clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, versions: versions, clock: clock, logger: logger}, nil
}

// Get returns the media item, or nil when it does not exist.
func (s *Service) Get(ctx context.Context, mediaID string) (*Media, error) {
	var item Media
	err := s.db.WithContext(ctx).Where("id = ?", mediaID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("media lookup failed", zap.String("operation", opGet), zap.String("media_id", mediaID), zap.Error(err))
		return nil, chats.NewServiceError(opGet, "select_failed", err)
	}
	return &item, nil
}

// Copy re-scopes the items of mediaIDs that belong to sourceScopeID into
// destinationScopeID, keeping their local ids. It returns old id to new id
// for every copied item. Items of other scopes and unknown ids are skipped,
// and items copied earlier are reported without being written again.
func (s *Service) Copy(ctx context.Context, sourceScopeID, destinationScopeID string, mediaIDs []string) (map[string]string, error) {
	if sourceScopeID == "" || destinationScopeID == "" {
		err := fmt.Errorf("%w: source and destination scopes are required", chats.ErrConstraint)
		return nil, chats.NewServiceError(opCopy, "missing_scope", err)
	}
	candidates := make([]string, 0, len(mediaIDs))
	seen := make(map[string]struct{}, len(mediaIDs))
	for _, mediaID := range mediaIDs {
		if ScopeOf(mediaID) != sourceScopeID {
			continue
		}
		if _, ok := seen[mediaID]; ok {
			continue
		}
		seen[mediaID] = struct{}{}
		candidates = append(candidates, mediaID)
	}
	remap := make(map[string]string, len(candidates))
	if len(candidates) == 0 {
		return remap, nil
	}
	sort.Strings(candidates)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sources []Media
		if err := tx.Where("id IN ?", candidates).Order("id ASC").Find(&sources).Error; err != nil {
			return err
		}
		if len(sources) == 0 {
			return nil
		}
		copies := make([]Media, 0, len(sources))
		for _, source := range sources {
			copied := source
			copied.ID = ComposeID(destinationScopeID, source.LocalID)
			copied.ScopeID = destinationScopeID
			copied.Version = s.versions.Next(0)
			copied.CreatedAt = s.clock().UTC()
			copies = append(copies, copied)
			remap[source.ID] = copied.ID
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&copies).Error
	})
	if err != nil {
		s.logger.Error("media copy failed",
			zap.String("operation", opCopy),
			zap.String("source_scope_id", sourceScopeID),
			zap.String("destination_scope_id", destinationScopeID),
			zap.Error(err))
		return nil, chats.NewServiceError(opCopy, "copy_failed", err)
	}
	return remap, nil
}

// Change applies a versioned Create, Update or Remove.
func (s *Service) Change(ctx context.Context, command ChangeCommand) (Media, error) {
	var result Media
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch command.Change.Kind() {
		case chats.ChangeKindCreate:
			scopeID := strings.TrimSpace(command.ScopeID)
			localID := ""
			if command.MediaID != "" {
				var err error
				scopeID, localID, err = SplitID(command.MediaID)
				if err != nil {
					return fmt.Errorf("%w: %v", chats.ErrConstraint, err)
				}
			}
			if scopeID == "" {
				return fmt.Errorf("%w: media scope is required", chats.ErrConstraint)
			}
			if localID == "" {
				generated, err := uuid.NewV7()
				if err != nil {
					return err
				}
				localID = generated.String()
			}
			result = Media{
				ID:        ComposeID(scopeID, localID),
				ScopeID:   scopeID,
				LocalID:   localID,
				Version:   s.versions.Next(0),
				CreatedAt: s.clock().UTC(),
			}
			applyDiff(&result, command.Change.Diff())
			var count int64
			if err := tx.Model(&Media{}).Where("id = ?", result.ID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("%w: media %s already exists", chats.ErrConstraint, result.ID)
			}
			return tx.Create(&result).Error
		case chats.ChangeKindUpdate, chats.ChangeKindRemove:
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", command.MediaID).Take(&result).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: media %s", chats.ErrNotFound, command.MediaID)
			}
			if err != nil {
				return err
			}
			if result.Version != command.ExpectedVersion {
				return fmt.Errorf("%w: media %s has version %d, expected %d",
					chats.ErrConcurrency, result.ID, result.Version, command.ExpectedVersion)
			}
			if command.Change.Kind() == chats.ChangeKindRemove {
				return tx.Where("id = ?", result.ID).Delete(&Media{}).Error
			}
			applyDiff(&result, command.Change.Diff())
			result.Version = s.versions.Next(result.Version)
			return tx.Save(&result).Error
		default:
			return fmt.Errorf("%w: change is empty", chats.ErrConstraint)
		}
	})
	if err != nil {
		if chats.Category(err) == chats.ErrInternal {
			s.logger.Error("media change failed",
				zap.String("operation", opChange),
				zap.String("media_id", command.MediaID),
				zap.Error(err))
		}
		return Media{}, chats.NewServiceError(opChange, "change_failed", err)
	}
	return result, nil
}

func applyDiff(item *Media, diff MediaDiff) {
	if diff.ContentID != nil {
		item.ContentID = *diff.ContentID
	}
	if diff.ContentType != nil {
		item.ContentType = *diff.ContentType
	}
	if diff.Width != nil {
		item.Width = *diff.Width
	}
	if diff.Height != nil {
		item.Height = *diff.Height
	}
	if diff.Length != nil {
		item.Length = *diff.Length
	}
}
