package model

// Roles carried in the "role" claim of access tokens.  Users themselves
// are managed by the identity provider that issues those tokens.
const (
	RoleCustomer = "CUSTOMER"
	RoleStaff    = "STAFF"
)

// ValidRole reports whether r is a role this service understands.
func ValidRole(r string) bool {
	return r == RoleCustomer || r == RoleStaff
}
