package api

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// FoldersHandler serves the sync state of an account's folders.
type FoldersHandler struct {
	q      db.DBTX
	logger *slog.Logger
}

// NewFoldersHandler creates a new FoldersHandler instance.
func NewFoldersHandler(q db.DBTX, logger *slog.Logger) *FoldersHandler {
	return &FoldersHandler{q: q, logger: logging.WithOperation(logger, "api.folders")}
}

// GetFolders returns the cached folder states of the account, inbox first.
func (h *FoldersHandler) GetFolders(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	folders, err := db.ListFolderStates(r.Context(), h.q, accountID)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to list folders")
		return
	}
	if folders == nil {
		folders = []*models.FolderState{}
	}

	sortFoldersByRole(folders)
	writeJSON(w, h.logger, http.StatusOK, folders)
}

// folderRolePriority orders special-use folders after the inbox.
var folderRolePriority = map[string]int{
	`\sent`:    2,
	`\drafts`:  3,
	`\junk`:    4,
	`\trash`:   5,
	`\archive`: 6,
	`\all`:     7,
	`\flagged`: 8,
}

func folderRole(f *models.FolderState) int {
	if models.IsInbox(f.FolderName) {
		return 1
	}
	if p, ok := folderRolePriority[strings.ToLower(f.SpecialUse)]; ok {
		return p
	}
	return 9
}

// sortFoldersByRole sorts folders by role priority, then alphabetically.
// Priority order: inbox, sent, drafts, junk, trash, archive, all, flagged, other.
func sortFoldersByRole(folders []*models.FolderState) {
	sort.SliceStable(folders, func(i, j int) bool {
		pi, pj := folderRole(folders[i]), folderRole(folders[j])
		if pi != pj {
			return pi < pj
		}
		return folders[i].FolderName < folders[j].FolderName
	})
}
