package audience

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/medconnect/realtime/internal/platform/auth"
)

// ErrUnknownDescriptor is returned for any descriptor that cannot be mapped
// to topics exactly. Callers must treat it as "deliver to nobody".
var ErrUnknownDescriptor = errors.New("unknown audience descriptor")

// Descriptor names the intended recipients of an event. The set of
// implementations is closed.
type Descriptor interface {
	descriptor()
}

// User addresses one user.
type User struct {
	ID uuid.UUID
}

// Role addresses every user holding a role.
type Role struct {
	Role auth.Role
}

// OrgKind selects which organization topic an Organization descriptor targets.
type OrgKind string

const (
	OrgHospital        OrgKind = "hospital"
	OrgHospitalDoctors OrgKind = "hospital-doctors"
	OrgPharmacy        OrgKind = "pharmacy"
	OrgLaboratory      OrgKind = "laboratory"
	OrgInsurance       OrgKind = "insurance"
)

// Organization addresses the members of one organization.
type Organization struct {
	Kind OrgKind
	ID   uuid.UUID
}

// Users addresses a pre-enumerated list of users.
type Users struct {
	IDs []uuid.UUID
}

// SuperAdmins addresses every super-admin.
type SuperAdmins struct{}

func (User) descriptor()         {}
func (Role) descriptor()         {}
func (Organization) descriptor() {}
func (Users) descriptor()        {}
func (SuperAdmins) descriptor()  {}

// Membership returns the identity attributes that define membership of the
// organization: the affiliation column and, for hospital-doctors, the role.
func (o Organization) Membership() (auth.Affiliation, *auth.Role, error) {
	switch o.Kind {
	case OrgHospital:
		return auth.AffiliationHospital, nil, nil
	case OrgHospitalDoctors:
		r := auth.RoleDoctor
		return auth.AffiliationHospital, &r, nil
	case OrgPharmacy:
		return auth.AffiliationPharmacy, nil, nil
	case OrgLaboratory:
		return auth.AffiliationLaboratory, nil, nil
	case OrgInsurance:
		return auth.AffiliationInsurance, nil, nil
	}
	return "", nil, fmt.Errorf("%w: organization kind %q", ErrUnknownDescriptor, o.Kind)
}

// Resolve expands d into the topics it addresses. An empty result with a nil
// error means the audience is legitimately empty.
func Resolve(d Descriptor) ([]Topic, error) {
	switch d := d.(type) {
	case User:
		if d.ID == uuid.Nil {
			return nil, fmt.Errorf("%w: empty user id", ErrUnknownDescriptor)
		}
		return []Topic{UserTopic(d.ID)}, nil
	case Role:
		if !d.Role.Valid() {
			return nil, fmt.Errorf("%w: role %q", ErrUnknownDescriptor, d.Role)
		}
		return []Topic{RoleTopic(d.Role)}, nil
	case Organization:
		if d.ID == uuid.Nil {
			return nil, fmt.Errorf("%w: empty organization id", ErrUnknownDescriptor)
		}
		switch d.Kind {
		case OrgHospital:
			return []Topic{HospitalTopic(d.ID)}, nil
		case OrgHospitalDoctors:
			return []Topic{HospitalDoctorsTopic(d.ID)}, nil
		case OrgPharmacy:
			return []Topic{PharmacyTopic(d.ID)}, nil
		case OrgLaboratory:
			return []Topic{LaboratoryTopic(d.ID)}, nil
		case OrgInsurance:
			return []Topic{InsuranceTopic(d.ID)}, nil
		}
		return nil, fmt.Errorf("%w: organization kind %q", ErrUnknownDescriptor, d.Kind)
	case Users:
		topics := make([]Topic, 0, len(d.IDs))
		for _, id := range d.IDs {
			if id == uuid.Nil {
				return nil, fmt.Errorf("%w: empty user id in list", ErrUnknownDescriptor)
			}
			topics = append(topics, UserTopic(id))
		}
		return normalize(topics), nil
	case SuperAdmins:
		return []Topic{SuperAdminTopic}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnknownDescriptor)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownDescriptor, d)
}

// wireDescriptor is the JSON form accepted by the admin endpoints, e.g.
// {"kind":"role","role":"PHARMACIST"}.
type wireDescriptor struct {
	Kind    string      `json:"kind"`
	UserID  *uuid.UUID  `json:"userId,omitempty"`
	Role    string      `json:"role,omitempty"`
	OrgKind string      `json:"orgKind,omitempty"`
	OrgID   *uuid.UUID  `json:"orgId,omitempty"`
	UserIDs []uuid.UUID `json:"userIds,omitempty"`
}

// DecodeDescriptor parses the JSON form of a descriptor. Anything it does not
// recognise is rejected with ErrUnknownDescriptor; it never falls back to a
// wider audience.
func DecodeDescriptor(data []byte) (Descriptor, error) {
	var w wireDescriptor
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownDescriptor, err)
	}
	var d Descriptor
	switch w.Kind {
	case "user":
		if w.UserID == nil {
			return nil, fmt.Errorf("%w: user requires userId", ErrUnknownDescriptor)
		}
		d = User{ID: *w.UserID}
	case "role":
		r, err := auth.ParseRole(w.Role)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownDescriptor, err)
		}
		d = Role{Role: r}
	case "organization":
		if w.OrgID == nil {
			return nil, fmt.Errorf("%w: organization requires orgId", ErrUnknownDescriptor)
		}
		d = Organization{Kind: OrgKind(w.OrgKind), ID: *w.OrgID}
	case "users":
		d = Users{IDs: w.UserIDs}
	case "super-admins":
		d = SuperAdmins{}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownDescriptor, w.Kind)
	}
	if _, err := Resolve(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Describe renders d for logs.
func Describe(d Descriptor) string {
	switch d := d.(type) {
	case User:
		return "user:" + d.ID.String()
	case Role:
		return "role:" + string(d.Role)
	case Organization:
		return "organization:" + string(d.Kind) + ":" + d.ID.String()
	case Users:
		return fmt.Sprintf("users:%d", len(d.IDs))
	case SuperAdmins:
		return "super-admins"
	}
	return fmt.Sprintf("unknown:%T", d)
}
