package rbac

// RolePermissions is the default CBT policy. Ownership of individual exams is
// enforced by the exam service, not here.
var RolePermissions = map[string][]string{
	"student": {
		"exam:view",
		"attempt:take",
	},
	"teacher": {
		"exam:view",
		"exam:author",
		"exam:publish",
		"enrollment:manage",
		"results:view",
		"bank:manage",
	},
	"admin": {
		"*", // everything
	},
}
