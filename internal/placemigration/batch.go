package placemigration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/markup"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/tiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// copyEntries runs batches until the source text range is exhausted or a
// batch fails. A failed batch leaves the checkpoint at the last committed one.
func (e *Engine) copyEntries(ctx context.Context, plan *copyPlan, result *CopyChatResult) {
	logFields := []zap.Field{
		zap.String(fieldSourceChatID, plan.source.ID.String()),
		zap.String(fieldDestinationChatID, plan.destinationID.String()),
	}
	db := e.db.WithContext(ctx)
	sourceRanges, err := chats.LoadEntryRanges(db, plan.source.ID)
	if err != nil {
		e.logger.Warn("chat copy stopped", append(logFields, zap.String(fieldReason, "source_range_failed"), zap.Error(err))...)
		result.HasErrors = true
		return
	}
	destinationRanges, err := chats.LoadEntryRanges(db, plan.destinationID)
	if err != nil {
		e.logger.Warn("chat copy stopped", append(logFields, zap.String(fieldReason, "destination_range_failed"), zap.Error(err))...)
		result.HasErrors = true
		return
	}
	textRange, ok := sourceRanges[chats.EntryKindText]
	if !ok {
		return
	}
	start := plan.state.LastEntryLocalID + 1
	if copied, ok := destinationRanges[chats.EntryKindText]; ok && copied.End > start {
		start = copied.End
	}
	if start < textRange.Start {
		start = textRange.Start
	}

	for start < textRange.End {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("chat copy cancelled", append(logFields, zap.Int64("next_local_id", start), zap.Error(err))...)
			result.HasErrors = true
			return
		}
		started := time.Now()
		batch, err := e.runBatch(ctx, plan, tiles.Range{Start: start, End: textRange.End})
		metrics.MigrationBatchDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.MigrationBatches.WithLabelValues("error").Inc()
			e.logger.Warn("chat copy batch failed",
				append(logFields,
					zap.Int64("range_start", start),
					zap.Int64("range_end", textRange.End),
					zap.Int64("last_entry_local_id", result.LastEntryLocalID),
					zap.Error(err))...)
			result.HasErrors = true
			return
		}
		if batch.fetched == 0 {
			return
		}
		metrics.MigrationBatches.WithLabelValues("ok").Inc()
		metrics.MigrationEntriesCopied.Add(float64(batch.inserted))
		result.HasChanges = true
		result.LastEntryLocalID = batch.lastLocalID
		start = batch.lastLocalID + 1
	}
}

// runBatch reports a panic inside a batch as an internal error.
func (e *Engine) runBatch(ctx context.Context, plan *copyPlan, window tiles.Range) (outcome batchOutcome, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = batchOutcome{}
			err = fmt.Errorf("%w: chat copy batch panicked: %v", chats.ErrInternal, recovered)
		}
	}()
	return e.copyBatch(ctx, plan, window)
}

type batchOutcome struct {
	fetched     int
	inserted    int64
	lastLocalID int64
}

// batchCopy accumulates the destination rows of one batch.
type batchCopy struct {
	plan *copyPlan

	// source entry id -> destination entry id, for copied entries only
	entryIDs  map[string]chats.ChatEntryID
	entries   []chats.ChatEntry
	mentions  []chats.Mention
	reactions []chats.Reaction
	summaries []chats.ReactionSummary

	hasAudio bool
	audioMin int64
	audioMax int64
}

func (b *batchCopy) trackAudio(entry chats.ChatEntry) {
	if entry.AudioEntryID == nil {
		return
	}
	id := *entry.AudioEntryID
	if !b.hasAudio {
		b.hasAudio = true
		b.audioMin, b.audioMax = id, id
		return
	}
	if id < b.audioMin {
		b.audioMin = id
	}
	if id > b.audioMax {
		b.audioMax = id
	}
}

func (e *Engine) copyBatch(ctx context.Context, plan *copyPlan, window tiles.Range) (batchOutcome, error) {
	db := e.db.WithContext(ctx)
	var sourceEntries []chats.ChatEntry
	err := db.Where("chat_id = ? AND kind = ? AND local_id >= ? AND local_id < ?",
		plan.source.ID, chats.EntryKindText, window.Start, window.End).
		Order("local_id ASC").Limit(e.batchSize).Find(&sourceEntries).Error
	if err != nil || len(sourceEntries) == 0 {
		return batchOutcome{}, err
	}
	outcome := batchOutcome{
		fetched:     len(sourceEntries),
		lastLocalID: sourceEntries[len(sourceEntries)-1].LocalID,
	}
	copiedRange := tiles.Range{Start: sourceEntries[0].LocalID, End: outcome.lastLocalID + 1}

	// Media is copied before the batch transaction; Copy is idempotent.
	attachments, mediaRemap, err := e.copyAttachmentMedia(ctx, plan, sourceEntries)
	if err != nil {
		return batchOutcome{}, err
	}

	var (
		audioRange   tiles.Range
		stateVersion = e.backend.Versions.Next(plan.state.Version)
	)
	err = db.Transaction(func(tx *gorm.DB) error {
		batch := &batchCopy{plan: plan, entryIDs: make(map[string]chats.ChatEntryID, len(sourceEntries))}
		for _, entry := range sourceEntries {
			copied, ok, err := e.remapEntry(plan, entry)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			batch.entryIDs[entry.ID] = copied.EntryID()
			batch.entries = append(batch.entries, copied)
			batch.trackAudio(entry)
		}
		if err := e.remapMentions(tx, batch, copiedRange); err != nil {
			return err
		}
		if err := e.remapReactions(tx, batch, sourceEntries); err != nil {
			return err
		}

		inserted, err := createIgnoringConflicts(tx, batch.entries)
		if err != nil {
			return err
		}
		outcome.inserted = inserted
		if batch.hasAudio {
			audioRange = tiles.Range{Start: batch.audioMin, End: batch.audioMax + 1}
			audioInserted, err := e.copyAudioEntries(tx, plan, audioRange)
			if err != nil {
				return err
			}
			outcome.inserted += audioInserted
		}
		if _, err := createIgnoringConflicts(tx, remapAttachments(batch, attachments, mediaRemap, e.backend.Versions)); err != nil {
			return err
		}
		if _, err := createIgnoringConflicts(tx, batch.mentions); err != nil {
			return err
		}
		if _, err := createIgnoringConflicts(tx, batch.reactions); err != nil {
			return err
		}
		if _, err := createIgnoringConflicts(tx, batch.summaries); err != nil {
			return err
		}
		return tx.Model(&ChatCopyState{}).Where("id = ?", plan.destinationID).Updates(map[string]any{
			"last_entry_local_id": outcome.lastLocalID,
			"version":             stateVersion,
			"updated_at":          e.now(),
		}).Error
	})
	if err != nil {
		return batchOutcome{}, err
	}
	plan.state.Version = stateVersion
	plan.state.LastEntryLocalID = outcome.lastLocalID

	e.backend.Entries.InvalidateRange(ctx, plan.destinationID, chats.EntryKindText, copiedRange)
	if !audioRange.IsEmpty() {
		e.backend.Entries.InvalidateRange(ctx, plan.destinationID, chats.EntryKindAudio, audioRange)
	}
	return outcome, nil
}

// copyAttachmentMedia loads the attachments of the batch and re-scopes the
// media they reference. Media of other chats stays where it is.
func (e *Engine) copyAttachmentMedia(ctx context.Context, plan *copyPlan, sourceEntries []chats.ChatEntry) ([]chats.Attachment, map[string]string, error) {
	var entryIDs []string
	for _, entry := range sourceEntries {
		if entry.HasAttachments {
			entryIDs = append(entryIDs, entry.ID)
		}
	}
	if len(entryIDs) == 0 {
		return nil, nil, nil
	}
	var attachments []chats.Attachment
	err := e.db.WithContext(ctx).Where("entry_id IN ?", entryIDs).
		Order("entry_id ASC, attachment_index ASC").Find(&attachments).Error
	if err != nil {
		return nil, nil, err
	}
	mediaIDs := make([]string, 0, len(attachments)*2)
	for _, attachment := range attachments {
		mediaIDs = append(mediaIDs, attachment.MediaID)
		if attachment.ThumbnailMediaID != "" {
			mediaIDs = append(mediaIDs, attachment.ThumbnailMediaID)
		}
	}
	remap, err := e.media.Copy(ctx, plan.source.ID.String(), plan.destinationID.String(), mediaIDs)
	if err != nil {
		return nil, nil, err
	}
	return attachments, remap, nil
}

// remapEntry maps entry into the destination chat. ok is false when the
// entry must be dropped because it belongs to a removed author.
func (e *Engine) remapEntry(plan *copyPlan, entry chats.ChatEntry) (chats.ChatEntry, bool, error) {
	authorID, removed, err := plan.authors.resolveEntryAuthor(entry.AuthorID, plan.destinationID)
	if err != nil {
		return chats.ChatEntry{}, false, err
	}
	if removed {
		e.logSkip("entry dropped", "author_removed", plan.source.ID,
			zap.String("entry_id", entry.ID),
			zap.String("author_id", entry.AuthorID.String()))
		return chats.ChatEntry{}, false, nil
	}

	copied := entry
	copied.ID = chats.NewChatEntryID(plan.destinationID, entry.Kind, entry.LocalID).String()
	copied.ChatID = plan.destinationID
	copied.AuthorID = authorID
	copied.Version = e.backend.Versions.Next(0)
	copied.Attachments = nil
	copied.LinkPreview = nil

	payload, err := entry.DecodeSystemEntry()
	if err != nil {
		return chats.ChatEntry{}, false, err
	}
	if payload != nil && payload.MembersChanged != nil {
		memberID, removed, err := plan.authors.DemandMigratedAuthor(payload.MembersChanged.AuthorID)
		if err != nil {
			return chats.ChatEntry{}, false, err
		}
		if removed {
			e.logSkip("system entry dropped", "member_removed", plan.source.ID,
				zap.String("entry_id", entry.ID),
				zap.String("author_id", payload.MembersChanged.AuthorID.String()))
			return chats.ChatEntry{}, false, nil
		}
		payload.MembersChanged.AuthorID = memberID
		if copied.SystemEntry, err = chats.EncodeSystemEntry(payload); err != nil {
			return chats.ChatEntry{}, false, err
		}
	}

	if content, changed := markup.RewriteAuthorMentions(entry.Content, plan.remapMentionedAuthor); changed {
		copied.Content = content
	}
	if entry.ForwardedChatEntryID != "" {
		if forwardedID, err := chats.ParseChatEntryID(entry.ForwardedChatEntryID); err == nil && forwardedID.ChatID == plan.source.ID {
			forwardedID.ChatID = plan.destinationID
			copied.ForwardedChatEntryID = forwardedID.String()
		}
	}
	if entry.ForwardedAuthorID != "" && entry.ForwardedAuthorID.ChatID() == plan.source.ID {
		forwardedAuthorID, err := plan.authors.GetNewAuthorID(entry.ForwardedAuthorID)
		if err != nil {
			forwardedAuthorID = ""
		}
		copied.ForwardedAuthorID = forwardedAuthorID
	}
	return copied, true, nil
}

// remapMentions copies the mention rows of copiedRange. Stored record ids are
// recomposed from the entry and the mention, which repairs rows whose id
// disagrees with the mention they hold.
func (e *Engine) remapMentions(tx *gorm.DB, batch *batchCopy, copiedRange tiles.Range) error {
	plan := batch.plan
	var mentions []chats.Mention
	err := tx.Where("chat_id = ? AND entry_local_id >= ? AND entry_local_id < ?", plan.source.ID, copiedRange.Start, copiedRange.End).
		Order("id ASC").Find(&mentions).Error
	if err != nil {
		return err
	}
	for _, mention := range mentions {
		sourceEntryID := chats.NewChatEntryID(plan.source.ID, chats.EntryKindText, mention.EntryLocalID)
		destinationEntryID, ok := batch.entryIDs[sourceEntryID.String()]
		if !ok {
			continue
		}
		if expected := chats.MentionRecordID(sourceEntryID, mention.MentionID); mention.ID != expected {
			e.logSkip("mention id repaired", "mention_id_mismatch", plan.source.ID,
				zap.String("mention_record_id", mention.ID),
				zap.String("expected_record_id", expected))
		}
		mentionID := mention.MentionID
		if strings.HasPrefix(mentionID, markup.AuthorMentionPrefix) {
			original := chats.AuthorID(strings.TrimPrefix(mentionID, markup.AuthorMentionPrefix))
			newID, removed, err := plan.authors.DemandMigratedAuthor(original)
			if err != nil || removed {
				e.logSkip("mention dropped", "mentioned_author_not_migrated", plan.source.ID,
					zap.String("mention_record_id", mention.ID),
					zap.String("author_id", original.String()))
				continue
			}
			mentionID = chats.AuthorMentionID(newID)
		}
		batch.mentions = append(batch.mentions, chats.Mention{
			ID:           chats.MentionRecordID(destinationEntryID, mentionID),
			ChatID:       plan.destinationID,
			EntryLocalID: mention.EntryLocalID,
			MentionID:    mentionID,
		})
	}
	return nil
}

// remapReactions copies reactions and summaries of copied entries and keeps
// HasReactions true only where a reaction survived.
func (e *Engine) remapReactions(tx *gorm.DB, batch *batchCopy, sourceEntries []chats.ChatEntry) error {
	plan := batch.plan
	var entryIDs []string
	for _, entry := range sourceEntries {
		if _, ok := batch.entryIDs[entry.ID]; ok && entry.HasReactions {
			entryIDs = append(entryIDs, entry.ID)
		}
	}
	if len(entryIDs) == 0 {
		return nil
	}

	var reactions []chats.Reaction
	if err := tx.Where("entry_id IN ?", entryIDs).Order("id ASC").Find(&reactions).Error; err != nil {
		return err
	}
	perEntry := make(map[string]int, len(entryIDs))
	perEmoji := make(map[string]int64, len(reactions))
	for _, reaction := range reactions {
		destinationEntryID := batch.entryIDs[reaction.EntryID]
		authorID, removed, err := plan.authors.DemandMigratedAuthor(reaction.AuthorID)
		if err != nil {
			return err
		}
		if removed {
			e.logSkip("reaction dropped", "author_removed", plan.source.ID,
				zap.String("reaction_id", reaction.ID),
				zap.String("author_id", reaction.AuthorID.String()))
			continue
		}
		batch.reactions = append(batch.reactions, chats.Reaction{
			ID:         chats.ReactionID(destinationEntryID, authorID),
			ChatID:     plan.destinationID,
			EntryID:    destinationEntryID.String(),
			AuthorID:   authorID,
			EmojiID:    reaction.EmojiID,
			Version:    e.backend.Versions.Next(0),
			ModifiedAt: reaction.ModifiedAt,
		})
		perEntry[destinationEntryID.String()]++
		perEmoji[chats.ReactionSummaryID(destinationEntryID, reaction.EmojiID)]++
	}

	var summaries []chats.ReactionSummary
	if err := tx.Where("entry_id IN ?", entryIDs).Order("id ASC").Find(&summaries).Error; err != nil {
		return err
	}
	for _, summary := range summaries {
		copied, ok, err := e.remapSummary(batch, summary, perEmoji)
		if err != nil {
			return err
		}
		if ok {
			batch.summaries = append(batch.summaries, copied)
		}
	}

	for i := range batch.entries {
		if batch.entries[i].HasReactions {
			batch.entries[i].HasReactions = perEntry[batch.entries[i].ID] > 0
		}
	}
	return nil
}

// remapSummary drops removed authors from a summary. Summaries naming
// authors of another chat are corrupted and skipped.
func (e *Engine) remapSummary(batch *batchCopy, summary chats.ReactionSummary, perEmoji map[string]int64) (chats.ReactionSummary, bool, error) {
	plan := batch.plan
	authorIDs, err := summary.AuthorIDs()
	if err != nil {
		e.logSkip("reaction summary skipped", "summary_undecodable", plan.source.ID,
			zap.String("summary_id", summary.ID), zap.Error(err))
		return chats.ReactionSummary{}, false, nil
	}
	remapped := make([]chats.AuthorID, 0, len(authorIDs))
	for _, authorID := range authorIDs {
		if authorID.ChatID() != plan.source.ID {
			e.logSkip("reaction summary skipped", "summary_corrupted", plan.source.ID,
				zap.String("summary_id", summary.ID),
				zap.String("author_id", authorID.String()))
			return chats.ReactionSummary{}, false, nil
		}
		newID, removed, err := plan.authors.DemandMigratedAuthor(authorID)
		if err != nil {
			return chats.ReactionSummary{}, false, err
		}
		if !removed {
			remapped = append(remapped, newID)
		}
	}
	if len(remapped) == 0 {
		e.logSkip("reaction summary dropped", "no_authors_left", plan.source.ID, zap.String("summary_id", summary.ID))
		return chats.ReactionSummary{}, false, nil
	}

	destinationEntryID := batch.entryIDs[summary.EntryID]
	copied := chats.ReactionSummary{
		ID:      chats.ReactionSummaryID(destinationEntryID, summary.EmojiID),
		ChatID:  plan.destinationID,
		EntryID: destinationEntryID.String(),
		EmojiID: summary.EmojiID,
		Count:   perEmoji[chats.ReactionSummaryID(destinationEntryID, summary.EmojiID)],
		Version: e.backend.Versions.Next(0),
	}
	if copied.Count < int64(len(remapped)) {
		copied.Count = int64(len(remapped))
	}
	if err := copied.SetAuthorIDs(remapped); err != nil {
		return chats.ReactionSummary{}, false, err
	}
	return copied, true, nil
}

// copyAudioEntries copies the audio entries referenced by the batch that
// the destination does not have yet.
func (e *Engine) copyAudioEntries(tx *gorm.DB, plan *copyPlan, audioRange tiles.Range) (int64, error) {
	var existing []int64
	err := tx.Model(&chats.ChatEntry{}).
		Where("chat_id = ? AND kind = ? AND local_id >= ? AND local_id < ?",
			plan.destinationID, chats.EntryKindAudio, audioRange.Start, audioRange.End).
		Pluck("local_id", &existing).Error
	if err != nil {
		return 0, err
	}
	copiedIDs := make(map[int64]struct{}, len(existing))
	for _, localID := range existing {
		copiedIDs[localID] = struct{}{}
	}

	var sourceEntries []chats.ChatEntry
	err = tx.Where("chat_id = ? AND kind = ? AND local_id >= ? AND local_id < ?",
		plan.source.ID, chats.EntryKindAudio, audioRange.Start, audioRange.End).
		Order("local_id ASC").Find(&sourceEntries).Error
	if err != nil {
		return 0, err
	}
	entries := make([]chats.ChatEntry, 0, len(sourceEntries))
	for _, entry := range sourceEntries {
		if _, ok := copiedIDs[entry.LocalID]; ok {
			continue
		}
		copied, ok, err := e.remapEntry(plan, entry)
		if err != nil {
			return 0, err
		}
		if ok {
			entries = append(entries, copied)
		}
	}
	return createIgnoringConflicts(tx, entries)
}

func remapAttachments(batch *batchCopy, attachments []chats.Attachment, mediaRemap map[string]string, versions *chats.VersionGenerator) []chats.Attachment {
	remapMedia := func(mediaID string) string {
		if newID, ok := mediaRemap[mediaID]; ok {
			return newID
		}
		return mediaID
	}
	copied := make([]chats.Attachment, 0, len(attachments))
	for _, attachment := range attachments {
		destinationEntryID, ok := batch.entryIDs[attachment.EntryID]
		if !ok {
			continue
		}
		copied = append(copied, chats.Attachment{
			ID:               chats.AttachmentID(destinationEntryID, attachment.Index),
			ChatID:           batch.plan.destinationID,
			EntryID:          destinationEntryID.String(),
			Index:            attachment.Index,
			MediaID:          remapMedia(attachment.MediaID),
			ThumbnailMediaID: remapMedia(attachment.ThumbnailMediaID),
			Version:          versions.Next(0),
		})
	}
	return copied
}
