package auth

const (
	PermMembershipRead    = "membership.read"
	PermMembershipWrite   = "membership.write"
	PermMembershipArchive = "membership.archive"
)

const (
	RoleViewer = "viewer"
	RoleClerk  = "clerk"
	RoleAdmin  = "admin"
)

var rolePermissions = map[string][]string{
	RoleViewer: {PermMembershipRead},
	RoleClerk:  {PermMembershipRead, PermMembershipWrite},
	RoleAdmin:  {PermMembershipRead, PermMembershipWrite, PermMembershipArchive},
}

// HasPermission reports whether any of the principal's roles grants perm.
func (p Principal) HasPermission(perm string) bool {
	for _, role := range p.Roles {
		for _, granted := range rolePermissions[role] {
			if granted == perm {
				return true
			}
		}
	}
	return false
}
