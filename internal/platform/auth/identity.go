package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Role is the closed set of actor roles known to the platform.
type Role string

const (
	RolePatient         Role = "PATIENT"
	RoleDoctor          Role = "DOCTOR"
	RolePharmacist      Role = "PHARMACIST"
	RoleLabTechnician   Role = "LAB_TECHNICIAN"
	RoleHospitalAdmin   Role = "HOSPITAL_ADMIN"
	RolePharmacyAdmin   Role = "PHARMACY_ADMIN"
	RoleLaboratoryAdmin Role = "LABORATORY_ADMIN"
	RoleInsuranceAdmin  Role = "INSURANCE_ADMIN"
	RoleInsuranceAgent  Role = "INSURANCE_AGENT"
	RoleSuperAdmin      Role = "SUPER_ADMIN"
)

var knownRoles = map[Role]struct{}{
	RolePatient: {}, RoleDoctor: {}, RolePharmacist: {}, RoleLabTechnician: {},
	RoleHospitalAdmin: {}, RolePharmacyAdmin: {}, RoleLaboratoryAdmin: {},
	RoleInsuranceAdmin: {}, RoleInsuranceAgent: {}, RoleSuperAdmin: {},
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

// ParseRole converts s to a Role, rejecting anything outside the enumeration.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Affiliation names one of the organization references an identity may carry.
type Affiliation string

const (
	AffiliationHospital   Affiliation = "hospital"
	AffiliationPharmacy   Affiliation = "pharmacy"
	AffiliationLaboratory Affiliation = "laboratory"
	AffiliationInsurance  Affiliation = "insurance"
)

// Identity is a user as resolved from the session store. It is owned by the
// user-management collaborator and treated as read-only here.
type Identity struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	Role         Role       `json:"role"`
	Active       bool       `json:"active"`
	HospitalID   *uuid.UUID `json:"hospitalId,omitempty"`
	PharmacyID   *uuid.UUID `json:"pharmacyId,omitempty"`
	LaboratoryID *uuid.UUID `json:"laboratoryId,omitempty"`
	InsuranceID  *uuid.UUID `json:"insuranceId,omitempty"`
}

// AffiliationID returns the organization id for the given affiliation, or nil.
func (i *Identity) AffiliationID(a Affiliation) *uuid.UUID {
	switch a {
	case AffiliationHospital:
		return i.HospitalID
	case AffiliationPharmacy:
		return i.PharmacyID
	case AffiliationLaboratory:
		return i.LaboratoryID
	case AffiliationInsurance:
		return i.InsuranceID
	}
	return nil
}

// ErrIdentityNotFound is returned by IdentityRepository lookups that match no user.
var ErrIdentityNotFound = errors.New("identity not found")

// IdentityRepository is the read side of the user-management collaborator plus
// the credential operations needed by login and password change.
type IdentityRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Identity, error)
	GetByEmail(ctx context.Context, email string) (*Identity, string, error)
	GetPasswordHash(ctx context.Context, id uuid.UUID) (string, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	ListActiveIDsByRole(ctx context.Context, role Role) ([]uuid.UUID, error)
	ListActiveIDsByAffiliation(ctx context.Context, a Affiliation, orgID uuid.UUID, role *Role) ([]uuid.UUID, error)
}
