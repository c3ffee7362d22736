// Package audience resolves which user accounts a notification should
// reach for a given company, department, or ticket.
package audience

import (
	"context"
	"fmt"
	"strings"
)

// Directory looks up users in the tenant directory. Implementations are
// expected to scope every query to the given company.
type Directory interface {
	UserExists(ctx context.Context, companyID string, userID string) (bool, error)
	UserIDsByRoles(ctx context.Context, companyID string, roles []string) ([]string, error)
	DepartmentUserIDs(ctx context.Context, companyID string, departmentID string) ([]string, error)
	TicketParticipantIDs(ctx context.Context, companyID string, ticketID string) ([]string, error)
}

// Resolver answers audience queries on top of a Directory.
type Resolver struct {
	directory Directory
}

// NewResolver wires a Resolver around the given directory.
func NewResolver(directory Directory) (*Resolver, error) {
	if directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	return &Resolver{directory: directory}, nil
}

var supportStaffRoles = []string{"support", "manager", "supervisor"}

// CompanyAdmins returns every admin account in the company.
func (r *Resolver) CompanyAdmins(ctx context.Context, companyID string) ([]string, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return nil, fmt.Errorf("company id is required")
	}
	ids, err := r.directory.UserIDsByRoles(ctx, companyID, []string{"admin"})
	if err != nil {
		return nil, fmt.Errorf("list company admins: %w", err)
	}
	return dedupe(ids, ""), nil
}

// CompanySupportStaff returns every support-side account in the company.
func (r *Resolver) CompanySupportStaff(ctx context.Context, companyID string) ([]string, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return nil, fmt.Errorf("company id is required")
	}
	ids, err := r.directory.UserIDsByRoles(ctx, companyID, supportStaffRoles)
	if err != nil {
		return nil, fmt.Errorf("list support staff: %w", err)
	}
	return dedupe(ids, ""), nil
}

// DepartmentStaff returns the support-side accounts assigned to a
// department. Department membership alone is not enough: non-staff
// members (e.g. customers attached to a department) are filtered out.
func (r *Resolver) DepartmentStaff(ctx context.Context, companyID string, departmentID string) ([]string, error) {
	companyID = strings.TrimSpace(companyID)
	departmentID = strings.TrimSpace(departmentID)
	if companyID == "" {
		return nil, fmt.Errorf("company id is required")
	}
	if departmentID == "" {
		return nil, fmt.Errorf("department id is required")
	}
	members, err := r.directory.DepartmentUserIDs(ctx, companyID, departmentID)
	if err != nil {
		return nil, fmt.Errorf("list department members: %w", err)
	}
	staff, err := r.directory.UserIDsByRoles(ctx, companyID, supportStaffRoles)
	if err != nil {
		return nil, fmt.Errorf("list support staff: %w", err)
	}
	staffSet := make(map[string]struct{}, len(staff))
	for _, id := range staff {
		staffSet[strings.TrimSpace(id)] = struct{}{}
	}
	filtered := make([]string, 0, len(members))
	for _, id := range members {
		if _, ok := staffSet[strings.TrimSpace(id)]; ok {
			filtered = append(filtered, id)
		}
	}
	return dedupe(filtered, ""), nil
}

// TicketParticipants returns everyone attached to a ticket, minus the
// account that triggered the event so actors never notify themselves.
func (r *Resolver) TicketParticipants(ctx context.Context, companyID string, ticketID string, excludeUserID string) ([]string, error) {
	companyID = strings.TrimSpace(companyID)
	ticketID = strings.TrimSpace(ticketID)
	if companyID == "" {
		return nil, fmt.Errorf("company id is required")
	}
	if ticketID == "" {
		return nil, fmt.Errorf("ticket id is required")
	}
	ids, err := r.directory.TicketParticipantIDs(ctx, companyID, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list ticket participants: %w", err)
	}
	return dedupe(ids, strings.TrimSpace(excludeUserID)), nil
}

// dedupe trims, drops empty and excluded ids, and keeps first-seen order.
func dedupe(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
