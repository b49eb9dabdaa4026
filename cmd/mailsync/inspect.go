package main

import (
	"encoding/json"
	"fmt"
	"os"

	goimap "github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
	"github.com/spf13/cobra"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

// inspectReport is what inspect learned about a server.
type inspectReport struct {
	Capabilities models.Capabilities `json:"capabilities"`
	Folders      []models.Folder     `json:"folders"`
	Inbox        inboxStatus         `json:"inbox"`
	// Threads is the number of REFERENCES threads in the inbox, when the
	// server supports THREAD.
	Threads *int `json:"threads,omitempty"`
}

type inboxStatus struct {
	Messages    uint32 `json:"messages"`
	Unseen      uint32 `json:"unseen"`
	UIDNext     uint32 `json:"uid_next"`
	UIDValidity uint32 `json:"uid_validity"`
}

func newInspectCommand() *cobra.Command {
	var (
		cfg      models.ServerConfig
		security string
		insecure bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Connect to an IMAP server and report what the sync engine would detect",
		Long: "Connect to an IMAP server and report what the sync engine would detect.\n" +
			"The password is read from MAILSYNC_INSPECT_PASSWORD or, if unset, from stdin.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg.Security, err = models.ParseSecurity(security); err != nil {
				return err
			}

			password := os.Getenv("MAILSYNC_INSPECT_PASSWORD")
			if password == "" {
				if password, err = readPassword(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			c, err := imap.Dial(cfg, password, insecure)
			if err != nil {
				return err
			}
			defer func() { _ = c.Logout() }()

			report, err := inspect(c)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", "", "IMAP host")
	f.IntVar(&cfg.Port, "port", 993, "IMAP port")
	f.StringVar(&cfg.Username, "username", "", "login name")
	f.StringVar(&security, "security", string(models.SecurityTLS), "tls, starttls or plain")
	f.BoolVar(&insecure, "insecure", false, "allow plain-text connections")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// inspect reads a logged-in session: capabilities, folders and the inbox.
func inspect(c *client.Client) (*inspectReport, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	report := &inspectReport{Capabilities: imap.DetectCapabilities(c)}

	folders, err := imap.ListFolders(c)
	if err != nil {
		return nil, err
	}
	report.Folders = folders

	status, err := imap.SelectFolder(c, "INBOX")
	if err != nil {
		return nil, err
	}
	report.Inbox = inboxStatus{
		Messages:    status.Messages,
		Unseen:      status.Unseen,
		UIDNext:     status.UidNext,
		UIDValidity: status.UidValidity,
	}

	if report.Capabilities.Thread {
		// UID THREAD, since sequence numbers shift when messages are expunged.
		threads, err := sortthread.NewThreadClient(c).UidThread(sortthread.References, goimap.NewSearchCriteria())
		if err != nil {
			return nil, fmt.Errorf("THREAD command failed: %w", err)
		}
		n := len(threads)
		report.Threads = &n
	}
	return report, nil
}
