package chats

import (
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServiceConfig describes the dependencies of the chat backend.
type ServiceConfig struct {
	Database            *gorm.DB
	Cache               cache.Store
	Publisher           events.Publisher
	Accounts            AccountResolver
	IDProvider          IDProvider
	Clock               func() time.Time
	Logger              *zap.Logger
	LocalIDCacheSize    int
	AnnouncementsChatID ChatID
}

// Backend groups the chat aggregate services. They share one store handle,
// one view cache and one version generator.
type Backend struct {
	Entries      *EntryLog
	Chats        *ChatService
	Authors      *AuthorService
	Roles        *RoleService
	Rules        *RulesService
	Reactions    *ReactionService
	LinkPreviews *LinkPreviews
	Versions     *VersionGenerator
}

func NewBackend(cfg ServiceConfig) (*Backend, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opBackendNew, "missing_database", errMissingDatabase)
	}
	if cfg.Cache == nil {
		return nil, NewServiceError(opBackendNew, "missing_cache", errMissingCache)
	}
	if cfg.Accounts == nil {
		return nil, NewServiceError(opBackendNew, "missing_accounts", errMissingAccounts)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	versions := NewVersionGenerator(clock)

	base := &store{
		db:        cfg.Database,
		views:     cfg.Cache,
		publisher: publisher,
		versions:  versions,
		clock:     clock,
		logger:    logger,
	}
	previews := &LinkPreviews{store: base}
	entries, err := newEntryLog(base, previews, cfg.LocalIDCacheSize)
	if err != nil {
		return nil, NewServiceError(opBackendNew, "local_id_cache_failed", err)
	}
	authors := &AuthorService{store: base, accounts: cfg.Accounts}
	roles := &RoleService{store: base}
	return &Backend{
		Entries: entries,
		Chats: &ChatService{
			store:      base,
			entries:    entries,
			authors:    authors,
			roles:      roles,
			accounts:   cfg.Accounts,
			idProvider: idProvider,
		},
		Authors:      authors,
		Roles:        roles,
		Rules:        &RulesService{store: base, accounts: cfg.Accounts, announcementsChatID: cfg.AnnouncementsChatID},
		Reactions:    &ReactionService{store: base},
		LinkPreviews: previews,
		Versions:     versions,
	}, nil
}
