package delegation

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chainbillhq/chainbill/app/models"
)

// ErrInvalidSignature is returned for delegations whose signature field is
// missing or malformed. Actual cryptographic verification happens in the
// wallet layer before the record reaches this core.
var ErrInvalidSignature = errors.New("delegation signature is missing or malformed")

// SignedDelegation is the inbound shape of a signed spending authorization.
type SignedDelegation struct {
	DelegateAddress  string
	DelegatorAddress string
	Authority        string
	Caveats          []Caveat
	Salt             string
	Signature        string
}

// Store persists delegation records. Records are immutable; superseding a
// delegation soft-deletes the old row.
type Store struct {
	db *gorm.DB
}

// NewStore creates a delegation store on the given GORM handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Validate performs structural checks on a signed delegation before
// anything is persisted.
func (s *Store) Validate(in SignedDelegation) error {
	if strings.TrimSpace(in.DelegateAddress) == "" || strings.TrimSpace(in.DelegatorAddress) == "" {
		return errors.New("delegate and delegator addresses are required")
	}
	if strings.TrimSpace(in.Authority) == "" {
		return errors.New("authority identifier is required")
	}
	if strings.TrimSpace(in.Signature) == "" {
		return ErrInvalidSignature
	}
	// Reject unknown caveat kinds at intake so a bad delegation never
	// reaches the redemption path.
	for _, c := range in.Caveats {
		switch c.Kind {
		case CaveatKindMaxAmount, CaveatKindTimeWindow, CaveatKindAllowedRecipient, CaveatKindMaxRedemptions:
		default:
			return ErrUnknownCaveatKind
		}
	}
	return nil
}

// CreateTx persists a delegation record inside the caller's transaction.
func (s *Store) CreateTx(tx *gorm.DB, workspaceID uint, in SignedDelegation) (*models.DelegationRecord, error) {
	caveatsJSON, err := EncodeCaveats(in.Caveats)
	if err != nil {
		return nil, err
	}
	record := &models.DelegationRecord{
		UUID:             uuid.NewString(),
		WorkspaceID:      workspaceID,
		DelegateAddress:  strings.TrimSpace(in.DelegateAddress),
		DelegatorAddress: strings.TrimSpace(in.DelegatorAddress),
		Authority:        strings.TrimSpace(in.Authority),
		CaveatsJSON:      caveatsJSON,
		Salt:             strings.TrimSpace(in.Salt),
		Signature:        in.Signature,
	}
	if err := tx.Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

// GetByID loads a non-deleted delegation record.
func (s *Store) GetByID(id uint) (*models.DelegationRecord, error) {
	var record models.DelegationRecord
	err := s.db.Where("id = ? AND deleted_at IS NULL", id).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Supersede soft-deletes a delegation record. Used when a customer signs a
// replacement delegation for an existing subscription.
func (s *Store) Supersede(id uint) error {
	now := time.Now()
	return s.db.Model(&models.DelegationRecord{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", &now).Error
}

// Caveats decodes the caveat list stored on a record.
func (s *Store) Caveats(record *models.DelegationRecord) ([]Caveat, error) {
	return ParseCaveats(record.CaveatsJSON)
}
