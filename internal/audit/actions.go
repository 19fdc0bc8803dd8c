package audit

import (
	"slices"

	set "github.com/hashicorp/go-set/v2"
)

// Action 审计动作（封闭枚举）
type Action string

const (
	// 认证
	ActionLogin         Action = "login"
	ActionLogout        Action = "logout"
	ActionLoginFailed   Action = "login_failed"
	ActionPasswordReset Action = "password_reset"
	ActionEmailVerified Action = "email_verified"

	// 用户与团队
	ActionUserCreated       Action = "user_created"
	ActionUserUpdated       Action = "user_updated"
	ActionUserDeleted       Action = "user_deleted"
	ActionUserRoleChanged   Action = "user_role_changed"
	ActionTeamMemberInvited Action = "team_member_invited"
	ActionTeamMemberRemoved Action = "team_member_removed"

	// 财务
	ActionInvoiceCreated     Action = "invoice_created"
	ActionInvoiceUpdated     Action = "invoice_updated"
	ActionInvoiceDeleted     Action = "invoice_deleted"
	ActionInvoiceSent        Action = "invoice_sent"
	ActionPaymentReceived    Action = "payment_received"
	ActionBankAccountCreated Action = "bank_account_created"
	ActionBankAccountDeleted Action = "bank_account_deleted"
	ActionBankReconciliation Action = "bank_reconciliation"
	ActionExpenseApproved    Action = "expense_approved"
	ActionExpenseRejected    Action = "expense_rejected"

	// 数据操作（GDPR）
	ActionDataExported         Action = "data_exported"
	ActionDataDeleted          Action = "data_deleted"
	ActionGDPRRequestCreated   Action = "gdpr_request_created"
	ActionGDPRRequestCompleted Action = "gdpr_request_completed"

	// 设置
	ActionCompanySettingsUpdated Action = "company_settings_updated"
	ActionPaymentMethodCreated   Action = "payment_method_created"
	ActionPaymentMethodDeleted   Action = "payment_method_deleted"
	ActionVATRateCreated         Action = "vat_rate_created"
	ActionVATRateUpdated         Action = "vat_rate_updated"

	// 访问控制
	ActionPermissionGranted Action = "permission_granted"
	ActionPermissionRevoked Action = "permission_revoked"
	ActionAPIKeyCreated     Action = "api_key_created"
	ActionAPIKeyRevoked     Action = "api_key_revoked"
)

// Category 动作类别
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryUserManagement Category = "user_management"
	CategoryFinancial      Category = "financial"
	CategoryData           Category = "data"
	CategorySettings       Category = "settings"
	CategoryAccessControl  Category = "access_control"
)

var actionCategories = map[Action]Category{
	ActionLogin:         CategoryAuthentication,
	ActionLogout:        CategoryAuthentication,
	ActionLoginFailed:   CategoryAuthentication,
	ActionPasswordReset: CategoryAuthentication,
	ActionEmailVerified: CategoryAuthentication,

	ActionUserCreated:       CategoryUserManagement,
	ActionUserUpdated:       CategoryUserManagement,
	ActionUserDeleted:       CategoryUserManagement,
	ActionUserRoleChanged:   CategoryUserManagement,
	ActionTeamMemberInvited: CategoryUserManagement,
	ActionTeamMemberRemoved: CategoryUserManagement,

	ActionInvoiceCreated:     CategoryFinancial,
	ActionInvoiceUpdated:     CategoryFinancial,
	ActionInvoiceDeleted:     CategoryFinancial,
	ActionInvoiceSent:        CategoryFinancial,
	ActionPaymentReceived:    CategoryFinancial,
	ActionBankAccountCreated: CategoryFinancial,
	ActionBankAccountDeleted: CategoryFinancial,
	ActionBankReconciliation: CategoryFinancial,
	ActionExpenseApproved:    CategoryFinancial,
	ActionExpenseRejected:    CategoryFinancial,

	ActionDataExported:         CategoryData,
	ActionDataDeleted:          CategoryData,
	ActionGDPRRequestCreated:   CategoryData,
	ActionGDPRRequestCompleted: CategoryData,

	ActionCompanySettingsUpdated: CategorySettings,
	ActionPaymentMethodCreated:   CategorySettings,
	ActionPaymentMethodDeleted:   CategorySettings,
	ActionVATRateCreated:         CategorySettings,
	ActionVATRateUpdated:         CategorySettings,

	ActionPermissionGranted: CategoryAccessControl,
	ActionPermissionRevoked: CategoryAccessControl,
	ActionAPIKeyCreated:     CategoryAccessControl,
	ActionAPIKeyRevoked:     CategoryAccessControl,
}

// Category 返回动作所属类别
func (a Action) Category() Category {
	return actionCategories[a]
}

// Valid 是否为已知动作
func (a Action) Valid() bool {
	_, ok := actionCategories[a]
	return ok
}

// EntityType 被审计实体类型（封闭枚举）
type EntityType string

const (
	EntityUser        EntityType = "user"
	EntityTenant      EntityType = "tenant"
	EntityInvoice     EntityType = "invoice"
	EntityQuote       EntityType = "quote"
	EntityContact     EntityType = "contact"
	EntityExpense     EntityType = "expense"
	EntityBankAccount EntityType = "bank_account"
	EntityPayment     EntityType = "payment"
	EntityCompany     EntityType = "company"
	EntityTeamMember  EntityType = "team_member"
	EntitySettings    EntityType = "settings"
	EntityAPIKey      EntityType = "api_key"
)

var entityTypes = set.From([]EntityType{
	EntityUser, EntityTenant, EntityInvoice, EntityQuote, EntityContact, EntityExpense,
	EntityBankAccount, EntityPayment, EntityCompany, EntityTeamMember, EntitySettings, EntityAPIKey,
})

// Valid 是否为已知实体类型
func (e EntityType) Valid() bool {
	return entityTypes.Contains(e)
}

// ============================================================================
// 合规视图：固定的动作白名单
// ============================================================================

// View 预定义的合规视图
type View string

const (
	ViewSecurity  View = "security"
	ViewFinancial View = "financial"
	ViewGDPR      View = "gdpr"
)

var viewActions = map[View]*set.Set[Action]{
	ViewSecurity: set.From([]Action{
		ActionLoginFailed,
		ActionUserRoleChanged,
		ActionPermissionGranted,
		ActionPermissionRevoked,
		ActionTeamMemberRemoved,
		ActionAPIKeyCreated,
		ActionAPIKeyRevoked,
	}),
	ViewFinancial: set.From([]Action{
		ActionInvoiceCreated,
		ActionInvoiceUpdated,
		ActionInvoiceDeleted,
		ActionPaymentReceived,
		ActionBankAccountCreated,
		ActionBankAccountDeleted,
		ActionBankReconciliation,
		ActionExpenseApproved,
		ActionExpenseRejected,
	}),
	ViewGDPR: set.From([]Action{
		ActionDataExported,
		ActionDataDeleted,
		ActionGDPRRequestCreated,
		ActionGDPRRequestCompleted,
		ActionUserDeleted,
	}),
}

// Actions 返回视图的动作白名单（排序后，保证查询稳定）
func (v View) Actions() []Action {
	s, ok := viewActions[v]
	if !ok {
		return nil
	}
	actions := s.Slice()
	slices.Sort(actions)
	return actions
}

// Includes 视图是否包含该动作
func (v View) Includes(a Action) bool {
	s, ok := viewActions[v]
	return ok && s.Contains(a)
}

// ParseView 解析视图名称
func ParseView(s string) (View, bool) {
	v := View(s)
	_, ok := viewActions[v]
	return v, ok
}
