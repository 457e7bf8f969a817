package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/mailsync/internal/models"
)

// ErrNoArchiveFolder is returned by Archive when the account has no folder
// of type archive.
var ErrNoArchiveFolder = errors.New("account has no archive folder")

// Archive moves a message out of every folder it is in to the account's
// archive folder with UID MOVE. Each moved membership is dropped from the
// store and the message is marked archived, so it is kept even before the
// archive folder is synced and the new copy is linked to it.
func (e *Engine) Archive(ctx context.Context, messageID string) error {
	folders, err := e.cfg.Store.ListFolders(ctx, e.accountID)
	if err != nil {
		return err
	}
	var archive *models.Folder
	for _, f := range folders {
		if f.FolderType == models.FolderArchive {
			archive = f
			break
		}
	}
	if archive == nil {
		return ErrNoArchiveFolder
	}

	memberships, err := e.cfg.Store.Memberships(ctx, messageID)
	if err != nil {
		return err
	}
	log := e.log.With().Str("message", messageID).Logger()
	moved := 0
	for _, m := range memberships {
		if m.FolderID == archive.ID {
			continue
		}
		unlock, err := e.cfg.Locks.Lock(ctx, m.FolderID)
		if err != nil {
			return err
		}
		err = e.withMailbox(ctx, func(mb Mailbox) error {
			if _, err := mb.Select(ctx, m.FolderPath); err != nil {
				return err
			}
			if err := mb.Move(ctx, []uint32{m.UID}, archive.IMAPPath); err != nil {
				return err
			}
			_, err := e.cfg.Store.ArchiveMembership(ctx, m.FolderID, m.UID)
			return err
		})
		unlock()
		if err != nil {
			return fmt.Errorf("failed to archive from %s: %w", m.FolderPath, err)
		}
		moved++
		log.Debug().Str("folder", m.FolderPath).Uint32("uid", m.UID).Msg("Moved message to archive")
	}
	if moved == 0 {
		return nil
	}

	e.emit(Event{Kind: EventMessagesChanged, Folder: archive.IMAPPath, MessageIDs: []string{messageID}})
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.OnMessagesChanged(e.accountID, []string{messageID})
	}
	log.Info().Int("folders", moved).Msg("Archived message")
	return nil
}
