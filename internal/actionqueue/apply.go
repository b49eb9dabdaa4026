package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/smtp"
)

// noopError reports that an action's target no longer exists. The action is
// complete; the server already reflects a state at least as new.
type noopError struct {
	reason string
}

func (e *noopError) Error() string {
	return "action target is gone: " + e.reason
}

func (d *Drainer) apply(ctx context.Context, acc *models.Account, password string, a *models.QueuedAction) error {
	switch a.Type {
	case models.ActionSend:
		return d.send(ctx, acc, password, a)
	case models.ActionSave:
		return d.append(acc, password, a.Payload.Folder, []string{DraftFlag}, a.Payload.Raw)
	case models.ActionAddFlags, models.ActionRemoveFlags, models.ActionDelete, models.ActionMove, models.ActionCopy:
		return d.applyToMessage(ctx, acc, password, a)
	}
	return fmt.Errorf("unsupported action type %q", a.Type)
}

func (d *Drainer) applyToMessage(ctx context.Context, acc *models.Account, password string, a *models.QueuedAction) error {
	cached, err := db.GetMessageByUID(ctx, d.pool, acc.ID, a.Folder, a.UID)
	if errors.Is(err, db.ErrMessageNotFound) {
		return &noopError{reason: "not in cache"}
	}
	if err != nil {
		return err
	}

	session, release, err := d.imap.GetSession(acc.ID, acc.IMAP, password)
	if err != nil {
		return fmt.Errorf("failed to get IMAP session: %w", err)
	}
	defer release()
	c := session.Client()

	if _, err := imap.SelectFolder(c, a.Folder); err != nil {
		return err
	}
	exists, err := imap.UIDExists(c, a.UID)
	if err != nil {
		return err
	}
	if !exists {
		return &noopError{reason: "expunged on server"}
	}

	switch a.Type {
	case models.ActionAddFlags:
		err = imap.AddFlags(c, a.UID, a.Payload.Flags)
	case models.ActionRemoveFlags:
		err = imap.RemoveFlags(c, a.UID, a.Payload.Flags)
	case models.ActionDelete:
		err = imap.DeleteMessage(c, a.UID)
	case models.ActionMove:
		err = imap.MoveMessage(c, a.UID, a.Payload.Destination, session.Capabilities().Move)
	case models.ActionCopy:
		err = imap.CopyMessage(c, a.UID, a.Payload.Destination)
	case models.ActionSend, models.ActionSave:
		err = fmt.Errorf("%s does not target a message", a.Type)
	}
	if err != nil {
		return err
	}

	return d.mirror(ctx, acc.ID, a, cached)
}

// mirror applies a successful server mutation to the cache so the views
// change before the next sync confirms it.
func (d *Drainer) mirror(ctx context.Context, accountID string, a *models.QueuedAction, cached *models.Message) error {
	changed := false
	switch a.Type {
	case models.ActionAddFlags, models.ActionRemoveFlags:
		flags := slices.Clone(cached.Flags)
		for _, f := range a.Payload.Flags {
			has := slices.Contains(flags, f)
			switch {
			case a.Type == models.ActionAddFlags && !has:
				flags = append(flags, f)
			case a.Type == models.ActionRemoveFlags && has:
				flags = slices.DeleteFunc(flags, func(x string) bool { return x == f })
			}
		}
		var err error
		if changed, err = db.UpdateMessageFlags(ctx, d.pool, accountID, a.Folder, a.UID, flags); err != nil {
			return err
		}
	case models.ActionDelete, models.ActionMove:
		n, err := db.DeleteMessagesByUID(ctx, d.pool, accountID, a.Folder, []uint32{a.UID})
		if err != nil {
			return err
		}
		changed = n > 0
	case models.ActionCopy, models.ActionSend, models.ActionSave:
	}

	if changed {
		d.publisher.Publish(events.RebuildRequested(accountID, "action "+string(a.Type)))
	}
	return nil
}

func (d *Drainer) send(ctx context.Context, acc *models.Account, password string, a *models.QueuedAction) error {
	if err := d.sender.Send(ctx, acc.SMTP, password, a.Payload.Raw); err != nil {
		return err
	}
	if !a.Payload.SaveToSent {
		return nil
	}

	// The message is out; a failed copy must not cause a second delivery.
	logger := logging.WithAccount(d.logger, acc.ID)
	sent, err := db.FindSentFolder(ctx, d.pool, acc.ID)
	if err != nil || sent == "" {
		logger.Warn("No sent folder for a copy of the sent message", logging.Err(err))
		return nil
	}
	if err := d.append(acc, password, sent, smtp.SentFlags, a.Payload.Raw); err != nil {
		logger.Warn("Failed to store a copy of the sent message", logging.Folder(sent), logging.Err(err))
	}
	return nil
}

func (d *Drainer) append(acc *models.Account, password, folder string, flags []string, raw []byte) error {
	session, release, err := d.imap.GetSession(acc.ID, acc.IMAP, password)
	if err != nil {
		return fmt.Errorf("failed to get IMAP session: %w", err)
	}
	defer release()

	return imap.AppendMessage(session.Client(), folder, flags, d.now(), raw)
}
