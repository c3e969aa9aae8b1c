package apiServer

import (
	"time"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/pkg/model"
	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Session  string `json:"session"`
	Identity string `json:"identity"`
	Email    string `json:"email"`
}

type uploadResponse struct {
	File    model.FileRecord `json:"file"`
	Skipped []skippedTier    `json:"skipped,omitempty"`
}

type skippedTier struct {
	Tier   storage.Tag `json:"tier"`
	Reason string      `json:"reason"`
}

type listResponse struct {
	Files []model.FileRecord `json:"files"`
}

type shareRequest struct {
	Email     string     `json:"email"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type shareResponse struct {
	Permission model.Permission `json:"permission"`
	URL        string           `json:"url"`
}

type revokeRequest struct {
	Email string `json:"email"`
}

type chainReport struct {
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Summary   string `json:"summary"`
}

func newChainReport(r vault.ChainReport) chainReport {
	return chainReport{
		Attempted: r.Attempted,
		Succeeded: r.Succeeded,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
		Summary:   r.Describe(),
	}
}

type revocationResponse struct {
	Revoked  []model.Permission `json:"revoked"`
	Chain    *chainReport       `json:"chain,omitempty"`
	Notified int                `json:"notified,omitempty"`
}

type destroyResponse struct {
	CiphertextDeleted  bool        `json:"ciphertext_deleted"`
	PermissionsDeleted int64       `json:"permissions_deleted"`
	Chain              chainReport `json:"chain"`
}

type permissionsResponse struct {
	Permissions []model.Permission `json:"permissions"`
}

type evidenceResponse struct {
	Records []model.MirrorRecord `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}
