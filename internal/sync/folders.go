package sync

import (
	"strings"

	"github.com/Martian-dev/mailsync-infra/internal/store"
)

// FolderMap resolves provider-native folder ids to their normalized
// type. It is built from the folder rows upserted at the start of a
// pass, before any message page is processed.
type FolderMap map[string]store.FolderType

// ClassifyFolder maps provider folder metadata to the normalized
// taxonomy. Provider-declared special-use roles win over name
// heuristics; anything unmatched is custom.
func ClassifyFolder(f FolderInfo) store.FolderType {
	switch strings.ToLower(f.SpecialUse) {
	case "inbox":
		return store.FolderInbox
	case "sent":
		return store.FolderSent
	case "drafts", "draft":
		return store.FolderDrafts
	case "spam", "junk":
		return store.FolderSpam
	case "trash", "deleted":
		return store.FolderTrash
	}

	name := strings.ToLower(f.Name)
	switch {
	case name == "inbox":
		return store.FolderInbox
	case strings.Contains(name, "sent"):
		return store.FolderSent
	case strings.Contains(name, "draft"):
		return store.FolderDrafts
	case strings.Contains(name, "spam"), strings.Contains(name, "junk"):
		return store.FolderSpam
	case strings.Contains(name, "trash"), strings.Contains(name, "deleted"), name == "bin":
		return store.FolderTrash
	}
	return store.FolderCustom
}

// typePriority orders folder types when a message carries several
// folder ids (Gmail labels). Special locations beat the inbox so spam
// never shows up as inbox mail.
var typePriority = []store.FolderType{
	store.FolderSpam,
	store.FolderTrash,
	store.FolderDrafts,
	store.FolderSent,
	store.FolderInbox,
	store.FolderCustom,
}

// Resolve picks the normalized type and primary folder id for a
// message. Unmapped ids fall back to unknown; they never invent a
// folder row.
func (fm FolderMap) Resolve(folderIDs []string) (string, store.FolderType) {
	bestID := ""
	bestType := store.FolderUnknown
	bestRank := len(typePriority)

	for _, id := range folderIDs {
		t, ok := fm[id]
		if !ok {
			continue
		}
		for rank, candidate := range typePriority {
			if t == candidate && rank < bestRank {
				bestID, bestType, bestRank = id, t, rank
				break
			}
		}
	}

	if bestID == "" && len(folderIDs) > 0 {
		bestID = folderIDs[0]
	}
	return bestID, bestType
}
