package imap

import (
	"sort"
	"strings"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

// DetectCapabilities asks the server for its capabilities once. Any error
// yields the all-absent set, so callers always fall back to the most
// conservative strategy.
func DetectCapabilities(c *client.Client) models.Capabilities {
	if c == nil {
		return models.Capabilities{}
	}

	caps, err := c.Capability()
	if err != nil {
		return models.Capabilities{}
	}

	names := make([]string, 0, len(caps))
	for name, ok := range caps {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return fromNames(names)
}

// ParseCapabilityLine parses a CAPABILITY response line. Both the untagged
// form ("* CAPABILITY IMAP4rev1 IDLE") and a bare list are accepted.
func ParseCapabilityLine(line string) models.Capabilities {
	fields := strings.Fields(line)
	if len(fields) >= 2 && fields[0] == "*" && strings.EqualFold(fields[1], "CAPABILITY") {
		fields = fields[2:]
	} else if len(fields) >= 1 && strings.EqualFold(fields[0], "CAPABILITY") {
		fields = fields[1:]
	}
	return fromNames(fields)
}

func fromNames(names []string) models.Capabilities {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToUpper(n)] = true
	}

	out := models.Capabilities{
		Idle:       set["IDLE"],
		Move:       set["MOVE"],
		UIDPlus:    set["UIDPLUS"],
		SpecialUse: set["SPECIAL-USE"],
		Sort:       set["SORT"],
		Thread:     set["THREAD=REFERENCES"],
		Raw:        names,
	}
	for n := range set {
		if strings.HasPrefix(n, "COMPRESS") {
			out.Compress = true
		}
	}

	switch {
	case set["QRESYNC"] && set["CONDSTORE"] && set["ENABLE"]:
		out.Resync = models.ResyncQresync
	case set["CONDSTORE"]:
		out.Resync = models.ResyncCondstore
	default:
		out.Resync = models.ResyncBare
	}
	return out
}
