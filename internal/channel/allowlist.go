// Package channel holds the access control and reply plumbing shared by
// control channels: who may issue commands, who is an admin, and how long
// replies are split to fit a platform limit.
package channel

import "slices"

// AllowList controls which users may issue commands. Admins are always
// allowed. An AllowList with no users, no admins and Public unset denies
// everyone.
type AllowList struct {
	users  map[int64]struct{}
	admins map[int64]struct{}
	public bool
}

// NewAllowList creates an AllowList with O(1) lookups. When public is true
// every user is allowed; admins keep their elevated rights.
func NewAllowList(users, admins []int64, public bool) *AllowList {
	a := &AllowList{
		users:  make(map[int64]struct{}, len(users)),
		admins: make(map[int64]struct{}, len(admins)),
		public: public,
	}
	for _, u := range users {
		a.users[u] = struct{}{}
	}
	for _, id := range admins {
		a.admins[id] = struct{}{}
	}
	return a
}

// IsAllowed reports whether userID may issue commands.
func (a *AllowList) IsAllowed(userID int64) bool {
	if a == nil {
		return false
	}
	if a.public || a.IsAdmin(userID) {
		return true
	}
	_, ok := a.users[userID]
	return ok
}

// IsAdmin reports whether userID is an admin.
func (a *AllowList) IsAdmin(userID int64) bool {
	if a == nil {
		return false
	}
	_, ok := a.admins[userID]
	return ok
}

// Check returns ErrDenied when userID may not issue commands, and
// ErrAdminOnly when admin is requested and userID is not an admin.
func (a *AllowList) Check(userID int64, admin bool) error {
	switch {
	case !a.IsAllowed(userID):
		return ErrDenied
	case admin && !a.IsAdmin(userID):
		return ErrAdminOnly
	default:
		return nil
	}
}

// Admins returns the admin ids in ascending order.
func (a *AllowList) Admins() []int64 {
	if a == nil {
		return nil
	}
	out := make([]int64, 0, len(a.admins))
	for id := range a.admins {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
