package syncengine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/models"
)

// Attributes that mark folders holding no messages of their own.
var virtualAttributes = map[string]bool{
	`\all`:         true,
	`\flagged`:     true,
	`\noselect`:    true,
	`\nonexistent`: true,
}

var specialUse = map[string]models.FolderType{
	`\sent`:    models.FolderSent,
	`\drafts`:  models.FolderDrafts,
	`\archive`: models.FolderArchive,
	`\trash`:   models.FolderTrash,
	`\junk`:    models.FolderSpam,
}

// Fallback names for servers without SPECIAL-USE.
var folderNames = map[string]models.FolderType{
	"sent":          models.FolderSent,
	"sent items":    models.FolderSent,
	"sent messages": models.FolderSent,
	"drafts":        models.FolderDrafts,
	"archive":       models.FolderArchive,
	"archives":      models.FolderArchive,
	"trash":         models.FolderTrash,
	"deleted items": models.FolderTrash,
	"junk":          models.FolderSpam,
	"spam":          models.FolderSpam,
}

// classifyFolder decides whether a listed folder is synced and what role it
// has. Provider overrides win over attributes, attributes over names.
func classifyFolder(rf models.RemoteFolder, p config.Provider) (models.FolderType, bool) {
	for _, excluded := range p.ExcludedFolders {
		if strings.EqualFold(excluded, rf.Path) {
			return "", false
		}
	}
	for _, attr := range rf.Attributes {
		if virtualAttributes[strings.ToLower(attr)] {
			return "", false
		}
	}

	if strings.EqualFold(rf.Path, "INBOX") {
		return models.FolderInbox, true
	}
	for path, kind := range p.FolderOverrides {
		if strings.EqualFold(path, rf.Path) {
			return models.FolderType(kind), true
		}
	}
	for _, attr := range rf.Attributes {
		if t, ok := specialUse[strings.ToLower(attr)]; ok {
			return t, true
		}
	}

	name := rf.Path
	if rf.Delimiter != "" {
		if i := strings.LastIndex(name, rf.Delimiter); i >= 0 {
			name = name[i+len(rf.Delimiter):]
		}
	}
	if t, ok := folderNames[strings.ToLower(name)]; ok {
		return t, true
	}
	return models.FolderOther, true
}

// discoverFolders lists the server's folders and records every eligible one.
// The result starts with the inbox; folders gone from the server are kept in
// the store but not returned.
func (e *Engine) discoverFolders(ctx context.Context, m Mailbox) ([]*models.Folder, error) {
	remote, err := m.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	var folders []*models.Folder
	for _, rf := range remote {
		kind, ok := classifyFolder(rf, e.cfg.Provider)
		if !ok {
			e.log.Debug().Str("folder", rf.Path).Strs("attributes", rf.Attributes).Msg("Skipping folder")
			continue
		}
		f, err := e.cfg.Store.UpsertFolder(ctx, e.accountID, rf.Path, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to save folder %s: %w", rf.Path, err)
		}
		folders = append(folders, f)
	}

	sort.SliceStable(folders, func(i, j int) bool {
		pi, pj := folders[i].FolderType == models.FolderInbox, folders[j].FolderType == models.FolderInbox
		if pi != pj {
			return pi
		}
		return folders[i].IMAPPath < folders[j].IMAPPath
	})
	return folders, nil
}

func primaryFolder(folders []*models.Folder) *models.Folder {
	for _, f := range folders {
		if f.FolderType == models.FolderInbox {
			return f
		}
	}
	return nil
}
