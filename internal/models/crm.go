package models

import (
	"time"

	"gorm.io/gorm"
)

// ============================================================================
// 业务实体（仅包含审计、保留与 GDPR 流程涉及的字段）
// ============================================================================

// User 租户用户，deleted_at 为软删除时间
type User struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string     `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Email     string     `gorm:"type:varchar(255);not null;index" json:"email"`
	Name      string     `gorm:"type:varchar(255)" json:"name"`
	Phone     *string    `gorm:"type:varchar(50)" json:"phone"`
	Address   *string    `gorm:"type:text" json:"address"`
	Role      string     `gorm:"type:varchar(32)" json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	ErasedAt  *time.Time `json:"erased_at,omitempty"`
	PurgedAt  *time.Time `json:"purged_at,omitempty"` // 删除宽限期满后关联数据已清理
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	ensureID(&u.ID)
	return nil
}

// Contact 客户联系人
type Contact struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string     `gorm:"type:uuid;not null;index" json:"tenant_id"`
	OwnerID   *string    `gorm:"type:uuid;index" json:"owner_id"`
	FirstName string     `gorm:"type:varchar(120)" json:"first_name"`
	LastName  string     `gorm:"type:varchar(120)" json:"last_name"`
	Email     *string    `gorm:"type:varchar(255)" json:"email"`
	Phone     *string    `gorm:"type:varchar(50)" json:"phone"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `gorm:"index" json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (c *Contact) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

// Document 上传的文档
type Document struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string     `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID    *string    `gorm:"type:uuid;index" json:"user_id"`
	Name      string     `gorm:"type:varchar(255)" json:"name"`
	MimeType  string     `gorm:"type:varchar(100)" json:"mime_type"`
	CreatedAt time.Time  `gorm:"index" json:"created_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (d *Document) BeforeCreate(tx *gorm.DB) error {
	ensureID(&d.ID)
	return nil
}

// 发票状态
const (
	InvoiceStatusDraft     = "DRAFT"
	InvoiceStatusSent      = "SENT"
	InvoiceStatusPaid      = "PAID"
	InvoiceStatusOverdue   = "OVERDUE"
	InvoiceStatusCancelled = "CANCELLED"
)

// Invoice 发票，user_id 指向被开票的数据主体
type Invoice struct {
	ID            string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      string     `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID        *string    `gorm:"type:uuid;index" json:"user_id"`
	Number        string     `gorm:"type:varchar(50)" json:"number"`
	Status        string     `gorm:"type:varchar(20);not null;index" json:"status"`
	TotalCents    int64      `json:"total_cents"`
	CustomerName  string     `gorm:"type:varchar(255)" json:"customer_name"`
	CustomerEmail *string    `gorm:"type:varchar(255)" json:"customer_email"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `gorm:"index" json:"updated_at"`
	DeletedAt     *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (i *Invoice) BeforeCreate(tx *gorm.DB) error {
	ensureID(&i.ID)
	return nil
}

// 报价状态
const (
	QuoteStatusDraft    = "DRAFT"
	QuoteStatusSent     = "SENT"
	QuoteStatusAccepted = "ACCEPTED"
	QuoteStatusRejected = "REJECTED"
	QuoteStatusExpired  = "EXPIRED"
)

// Quote 报价单
type Quote struct {
	ID            string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      string     `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID        *string    `gorm:"type:uuid;index" json:"user_id"`
	Number        string     `gorm:"type:varchar(50)" json:"number"`
	Status        string     `gorm:"type:varchar(20);not null;index" json:"status"`
	TotalCents    int64      `json:"total_cents"`
	CustomerName  string     `gorm:"type:varchar(255)" json:"customer_name"`
	CustomerEmail *string    `gorm:"type:varchar(255)" json:"customer_email"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `gorm:"index" json:"updated_at"`
	DeletedAt     *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (q *Quote) BeforeCreate(tx *gorm.DB) error {
	ensureID(&q.ID)
	return nil
}

// Activity 用户操作流水
type Activity struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID    string    `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID      *string   `gorm:"type:uuid;index" json:"user_id"`
	Type        string    `gorm:"type:varchar(50)" json:"type"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (a *Activity) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// AccessLog 访问日志，用户删除后 user_id 置空保留
type AccessLog struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string    `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID    *string   `gorm:"type:uuid;index" json:"user_id"`
	Method    string    `gorm:"type:varchar(10)" json:"method"`
	Path      string    `gorm:"type:text" json:"path"`
	IPAddress string    `gorm:"type:varchar(64)" json:"ip_address"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (a *AccessLog) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// Session 登录会话（无租户列，通过 user 归属租户）
type Session struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string    `gorm:"type:uuid;not null;index" json:"user_id"`
	SessionToken string    `gorm:"type:varchar(255);uniqueIndex" json:"-"`
	Expires      time.Time `gorm:"not null;index" json:"expires"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

// Account 外部认证账号
type Account struct {
	ID                string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID            string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Provider          string    `gorm:"type:varchar(50);not null" json:"provider"`
	ProviderAccountID string    `gorm:"type:varchar(255);not null" json:"provider_account_id"`
	AccessToken       *string   `gorm:"type:text" json:"-"`
	RefreshToken      *string   `gorm:"type:text" json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// UserConsent 同意记录，撤回后保留用于审计
type UserConsent struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string     `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID    string     `gorm:"type:uuid;not null;index" json:"user_id"`
	Purpose   string     `gorm:"type:varchar(64);not null" json:"purpose"`
	Granted   bool       `gorm:"not null" json:"granted"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `gorm:"index" json:"revoked_at,omitempty"`
}

func (c *UserConsent) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

// Communication 发送给用户的通信记录
type Communication struct {
	ID       string    `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID string    `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID   string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Channel  string    `gorm:"type:varchar(20)" json:"channel"`
	Subject  string    `gorm:"type:varchar(255)" json:"subject"`
	Body     string    `gorm:"type:text" json:"body"`
	SentAt   time.Time `json:"sent_at"`
}

func (c *Communication) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}
