// Package audience maps identities to the topics they listen on and
// audience descriptors to the topics an event is sent to. Nothing here does
// I/O.
package audience

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/medconnect/realtime/internal/platform/auth"
)

// Topic is a routing address derived from identity attributes.
type Topic string

const SuperAdminTopic Topic = "super-admin"

func UserTopic(id uuid.UUID) Topic {
	return Topic("user:" + id.String())
}

func RoleTopic(r auth.Role) Topic {
	return Topic("role:" + string(r))
}

func HospitalTopic(id uuid.UUID) Topic {
	return Topic("org:hospital:" + id.String())
}

// HospitalDoctorsTopic addresses the doctors of a hospital only.
func HospitalDoctorsTopic(id uuid.UUID) Topic {
	return Topic("org:hospital:" + id.String() + ":doctors")
}

func PharmacyTopic(id uuid.UUID) Topic {
	return Topic("org:pharmacy:" + id.String())
}

func LaboratoryTopic(id uuid.UUID) Topic {
	return Topic("org:laboratory:" + id.String())
}

func InsuranceTopic(id uuid.UUID) Topic {
	return Topic("org:insurance:" + id.String())
}

// IsOrganization reports whether t addresses an organization.
func (t Topic) IsOrganization() bool {
	return strings.HasPrefix(string(t), "org:")
}

// TopicsFor returns the topics ident belongs to, sorted and without
// duplicates. The result depends only on the identity's id, role, and
// affiliations.
func TopicsFor(ident *auth.Identity) []Topic {
	if ident == nil {
		return nil
	}
	topics := []Topic{UserTopic(ident.ID), RoleTopic(ident.Role)}
	if ident.HospitalID != nil {
		topics = append(topics, HospitalTopic(*ident.HospitalID))
		if ident.Role == auth.RoleDoctor {
			topics = append(topics, HospitalDoctorsTopic(*ident.HospitalID))
		}
	}
	if ident.PharmacyID != nil {
		topics = append(topics, PharmacyTopic(*ident.PharmacyID))
	}
	if ident.LaboratoryID != nil {
		topics = append(topics, LaboratoryTopic(*ident.LaboratoryID))
	}
	if ident.InsuranceID != nil {
		topics = append(topics, InsuranceTopic(*ident.InsuranceID))
	}
	if ident.Role == auth.RoleSuperAdmin {
		topics = append(topics, SuperAdminTopic)
	}
	return normalize(topics)
}

func normalize(topics []Topic) []Topic {
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	out := topics[:0]
	for i, t := range topics {
		if i > 0 && t == topics[i-1] {
			continue
		}
		out = append(out, t)
	}
	return out
}
