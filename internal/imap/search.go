package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// SearchUIDsAbove returns the UIDs strictly greater than above in the selected folder.
// The "n:*" range always matches the last message, even when its UID is
// below n, so the result is filtered on our side as well.
func SearchUIDsAbove(c *client.Client, above uint32) ([]uint32, error) {
	uids, err := SearchUIDRange(c, above+1, 0)
	if err != nil {
		return nil, err
	}

	filtered := uids[:0]
	for _, uid := range uids {
		if uid > above {
			filtered = append(filtered, uid)
		}
	}
	return filtered, nil
}

// SearchUIDRange returns the UIDs in [from, to] of the selected folder.
// A to of 0 means "*".
func SearchUIDRange(c *client.Client, from, to uint32) ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, to)

	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqSet

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search UIDs: %w", err)
	}
	return uids, nil
}

// UIDExists reports whether the selected folder still contains uid.
func UIDExists(c *client.Client, uid uint32) (bool, error) {
	uids, err := SearchUIDRange(c, uid, uid)
	if err != nil {
		return false, err
	}
	for _, u := range uids {
		if u == uid {
			return true, nil
		}
	}
	return false, nil
}

// CorrespondentCriteria matches messages from or to the given address.
func CorrespondentCriteria(email string) *imap.SearchCriteria {
	from := imap.NewSearchCriteria()
	from.Header.Add("From", email)
	to := imap.NewSearchCriteria()
	to.Header.Add("To", email)

	criteria := imap.NewSearchCriteria()
	criteria.Or = [][2]*imap.SearchCriteria{{from, to}}
	return criteria
}

// SearchCorrespondent returns the UIDs of messages exchanged with email.
// When useSort is set the server orders them newest first through UID SORT;
// otherwise they come back in ascending UID order.
func SearchCorrespondent(c *client.Client, email string, useSort bool) ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	criteria := CorrespondentCriteria(email)
	if useSort {
		return SortNewestFirst(c, criteria)
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search correspondent: %w", err)
	}
	return uids, nil
}

// SortNewestFirst runs UID SORT (REVERSE DATE) with the given criteria.
func SortNewestFirst(c *client.Client, criteria *imap.SearchCriteria) ([]uint32, error) {
	sortClient := sortthread.NewSortClient(c)
	uids, err := sortClient.UidSort([]sortthread.SortCriterion{
		{Field: sortthread.SortDate, Reverse: true},
	}, criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to sort messages: %w", err)
	}
	return uids, nil
}
