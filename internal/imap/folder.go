package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

// specialUseAttrs are the RFC 6154 folder attributes we keep.
var specialUseAttrs = []string{`\All`, `\Archive`, `\Drafts`, `\Flagged`, `\Junk`, `\Sent`, `\Trash`}

// ListFolders lists all selectable folders on the IMAP server along with
// their SPECIAL-USE attribute, if any.
func ListFolders(c *client.Client) ([]models.Folder, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var folders []models.Folder
	for m := range mailboxes {
		if hasAttr(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		folders = append(folders, models.Folder{
			Name:       m.Name,
			SpecialUse: specialUse(m.Attributes),
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// SelectFolder opens a folder read-write and returns its status, including UIDVALIDITY.
func SelectFolder(c *client.Client, name string) (*imap.MailboxStatus, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	status, err := c.Select(name, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", name, err)
	}
	return status, nil
}

func specialUse(attrs []string) string {
	for _, a := range attrs {
		for _, s := range specialUseAttrs {
			if strings.EqualFold(a, s) {
				return s
			}
		}
	}
	return ""
}

func hasAttr(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}
