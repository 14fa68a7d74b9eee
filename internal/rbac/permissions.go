package rbac

// Permission names checked by handlers.
const (
	PermUsersView   = "users.view"
	PermUsersCreate = "users.create"
	PermUsersEdit   = "users.edit"

	PermReportsView     = "reports.view"
	PermSettingsView    = "settings.view"
	PermFinancialManage = "financial.manage"

	PermStudentsManage = "students.manage"
	PermStudentsView   = "students.view"
	PermTeachersManage = "teachers.manage"
	PermClassesManage  = "classes.manage"
	PermStudentView    = "student.view"

	PermBasicAccess = "basic.access"
	PermProfileView = "profile.view"

	PermPermissionsView = "permissions.view"
	PermSecurityManage  = "security.manage"
)

func defaultGrants() map[Level][]string {
	return map[Level][]string{
		LevelDirection:    {PermUsersView, PermUsersCreate, PermUsersEdit, PermReportsView, PermSettingsView},
		LevelFinancial:    {PermUsersView, PermReportsView, PermFinancialManage},
		LevelCoordination: {PermUsersView, PermStudentsManage, PermTeachersManage},
		LevelSecretary:    {PermUsersView, PermStudentsManage},
		LevelTeacher:      {PermStudentsView, PermClassesManage},
		LevelEmployee:     {PermBasicAccess},
		LevelStudent:      {PermProfileView},
		LevelGuardian:     {PermStudentView},
		LevelUser:         {PermProfileView},
	}
}
