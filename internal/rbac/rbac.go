package rbac

type Role string
type Action string

const (
	RoleAdmin         Role = "admin"
	RoleITResponsible Role = "it_responsible"
	RoleEmployee      Role = "employee"
)

const (
	ActionProfile          Action = "profile"
	ActionCategoryRead     Action = "category.read"
	ActionCategoryWrite    Action = "category.write"
	ActionDocumentRead     Action = "document.read"
	ActionDocumentWrite    Action = "document.write"
	ActionRevisionRead     Action = "revision.read"
	ActionRevisionWrite    Action = "revision.write"
	ActionNotificationRead Action = "notification.read"
)

var allRoles = []Role{RoleAdmin, RoleITResponsible, RoleEmployee}

// Policy lists the roles allowed to perform each protected action. Document
// and revision writes are open to every authenticated role; only the category
// catalog is restricted.
var Policy = map[Action][]Role{
	ActionProfile:          allRoles,
	ActionCategoryRead:     allRoles,
	ActionCategoryWrite:    {RoleAdmin, RoleITResponsible},
	ActionDocumentRead:     allRoles,
	ActionDocumentWrite:    allRoles,
	ActionRevisionRead:     allRoles,
	ActionRevisionWrite:    allRoles,
	ActionNotificationRead: allRoles,
}

func Can(role Role, action Action) bool {
	for _, allowed := range Policy[action] {
		if allowed == role {
			return true
		}
	}
	return false
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin, RoleITResponsible, RoleEmployee:
		return Role(role)
	default:
		return RoleEmployee
	}
}
