// Package markup reads and rewrites the inline tokens of chat entry content.
//
// Mentions are written as @[Display Name](a:<authorId>) for chat authors and
// @[Display Name](u:<userId>) for users.
package markup

import (
	"regexp"
	"strings"
)

const (
	AuthorMentionPrefix = "a:"
	UserMentionPrefix   = "u:"
)

var (
	mentionPattern = regexp.MustCompile(`@\[([^\]]*)\]\(([au]:[^)\s]+)\)`)
	urlPattern     = regexp.MustCompile(`https?://[^\s<>()\[\]]+`)
)

// Mention is one mention token found in content.
type Mention struct {
	Name string
	ID   string
}

// IsAuthor reports whether the mention targets a chat author.
func (m Mention) IsAuthor() bool {
	return strings.HasPrefix(m.ID, AuthorMentionPrefix)
}

// AuthorID returns the author id of an author mention.
func (m Mention) AuthorID() string {
	return strings.TrimPrefix(m.ID, AuthorMentionPrefix)
}

// Parse returns the mention tokens of content in order of appearance.
func Parse(content string) []Mention {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	mentions := make([]Mention, 0, len(matches))
	for _, match := range matches {
		mentions = append(mentions, Mention{Name: match[1], ID: match[2]})
	}
	return mentions
}

// ExtractMentionIDs returns distinct mention ids ("a:..." and "u:...") in order of appearance.
func ExtractMentionIDs(content string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, mention := range Parse(content) {
		if _, ok := seen[mention.ID]; ok {
			continue
		}
		seen[mention.ID] = struct{}{}
		ids = append(ids, mention.ID)
	}
	return ids
}

// ExtractAuthorMentionIDs returns distinct mentioned author ids.
func ExtractAuthorMentionIDs(content string) []string {
	var ids []string
	for _, id := range ExtractMentionIDs(content) {
		if strings.HasPrefix(id, AuthorMentionPrefix) {
			ids = append(ids, strings.TrimPrefix(id, AuthorMentionPrefix))
		}
	}
	return ids
}

// RewriteAuthorMentions replaces the author id of every author mention for
// which remap returns ok. Other tokens are left untouched.
func RewriteAuthorMentions(content string, remap func(authorID string) (string, bool)) (string, bool) {
	changed := false
	rewritten := mentionPattern.ReplaceAllStringFunc(content, func(token string) string {
		match := mentionPattern.FindStringSubmatch(token)
		mention := Mention{Name: match[1], ID: match[2]}
		if !mention.IsAuthor() {
			return token
		}
		newID, ok := remap(mention.AuthorID())
		if !ok || newID == mention.AuthorID() {
			return token
		}
		changed = true
		return "@[" + mention.Name + "](" + AuthorMentionPrefix + newID + ")"
	})
	return rewritten, changed
}

// ExtractURLs returns distinct http(s) URLs in order of appearance.
func ExtractURLs(content string) []string {
	matches := urlPattern.FindAllString(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	urls := make([]string, 0, len(matches))
	for _, match := range matches {
		match = strings.TrimRight(match, ".,;:!?")
		if _, ok := seen[match]; ok {
			continue
		}
		seen[match] = struct{}{}
		urls = append(urls, match)
	}
	return urls
}
