package syncengine

import (
	"testing"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/models"
)

func TestClassifyFolder(t *testing.T) {
	gmail := config.Provider{
		Name:            "gmail",
		ExcludedFolders: []string{"[Gmail]/Important"},
		FolderOverrides: map[string]string{"[Gmail]/Bin": string(models.FolderTrash)},
	}

	tests := []struct {
		name     string
		folder   models.RemoteFolder
		provider config.Provider
		wantType models.FolderType
		wantSync bool
	}{
		{"inbox any case", models.RemoteFolder{Path: "Inbox"}, config.Provider{}, models.FolderInbox, true},
		{"special-use sent", models.RemoteFolder{Path: "Outgoing", Attributes: []string{`\Sent`}}, config.Provider{}, models.FolderSent, true},
		{"special-use junk", models.RemoteFolder{Path: "Bulk", Attributes: []string{`\Junk`}}, config.Provider{}, models.FolderSpam, true},
		{"all mail is virtual", models.RemoteFolder{Path: "[Gmail]/All Mail", Attributes: []string{`\All`}}, gmail, "", false},
		{"starred is virtual", models.RemoteFolder{Path: "[Gmail]/Starred", Attributes: []string{`\Flagged`}}, gmail, "", false},
		{"noselect container", models.RemoteFolder{Path: "[Gmail]", Attributes: []string{`\Noselect`, `\HasChildren`}}, gmail, "", false},
		{"excluded by provider", models.RemoteFolder{Path: "[Gmail]/Important"}, gmail, "", false},
		{"override wins over attributes", models.RemoteFolder{Path: "[Gmail]/Bin", Attributes: []string{`\Archive`}}, gmail, models.FolderTrash, true},
		{"name fallback with delimiter", models.RemoteFolder{Path: "INBOX.Sent Items", Delimiter: "."}, config.Provider{}, models.FolderSent, true},
		{"name fallback drafts", models.RemoteFolder{Path: "Drafts", Delimiter: "/"}, config.Provider{}, models.FolderDrafts, true},
		{"user folder", models.RemoteFolder{Path: "Projects/2024", Delimiter: "/"}, config.Provider{}, models.FolderOther, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotSync := classifyFolder(tt.folder, tt.provider)
			if gotSync != tt.wantSync {
				t.Fatalf("classifyFolder(%q) sync = %v, want %v", tt.folder.Path, gotSync, tt.wantSync)
			}
			if gotType != tt.wantType {
				t.Errorf("classifyFolder(%q) type = %q, want %q", tt.folder.Path, gotType, tt.wantType)
			}
		})
	}
}

func TestPrimaryFolder(t *testing.T) {
	folders := []*models.Folder{
		{ID: "1", IMAPPath: "Archive", FolderType: models.FolderArchive},
		{ID: "2", IMAPPath: "INBOX", FolderType: models.FolderInbox},
	}
	if got := primaryFolder(folders); got == nil || got.ID != "2" {
		t.Errorf("primaryFolder = %+v, want INBOX", got)
	}
	if got := primaryFolder(folders[:1]); got != nil {
		t.Errorf("primaryFolder without inbox = %+v, want nil", got)
	}
}
