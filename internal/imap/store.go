package imap

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// AddFlags adds flags to a message with UID STORE +FLAGS.SILENT.
func AddFlags(c *client.Client, uid uint32, flags []string) error {
	return storeFlags(c, uid, imap.AddFlags, flags)
}

// RemoveFlags removes flags from a message with UID STORE -FLAGS.SILENT.
func RemoveFlags(c *client.Client, uid uint32, flags []string) error {
	return storeFlags(c, uid, imap.RemoveFlags, flags)
}

func storeFlags(c *client.Client, uid uint32, op imap.FlagsOp, flags []string) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}

	if err := c.UidStore(seqSet, imap.FormatFlagsOp(op, true), values, nil); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

// DeleteMessage marks a message \Deleted and expunges the selected folder.
func DeleteMessage(c *client.Client, uid uint32) error {
	if err := AddFlags(c, uid, []string{imap.DeletedFlag}); err != nil {
		return err
	}
	if err := c.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// CopyMessage copies a message to dest with UID COPY.
func CopyMessage(c *client.Client, uid uint32, dest string) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	if err := c.UidCopy(seqSet, dest); err != nil {
		return fmt.Errorf("failed to copy message to %s: %w", dest, err)
	}
	return nil
}

// MoveMessage moves a message to dest. With useMove it issues UID MOVE;
// otherwise it copies and then deletes the source.
func MoveMessage(c *client.Client, uid uint32, dest string, useMove bool) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}

	if useMove {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		if err := c.UidMove(seqSet, dest); err != nil {
			return fmt.Errorf("failed to move message to %s: %w", dest, err)
		}
		return nil
	}

	if err := CopyMessage(c, uid, dest); err != nil {
		return err
	}
	return DeleteMessage(c, uid)
}

// AppendMessage stores a raw message in folder with the given flags.
func AppendMessage(c *client.Client, folder string, flags []string, date time.Time, raw []byte) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if err := c.Append(folder, flags, date, bytes.NewBuffer(raw)); err != nil {
		return fmt.Errorf("failed to append to %s: %w", folder, err)
	}
	return nil
}
