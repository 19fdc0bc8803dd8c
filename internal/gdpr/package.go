package gdpr

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"visioncrm/internal/config"
	"visioncrm/internal/models"
)

// Profile 用户资料
type Profile struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Phone     *string   `json:"phone"`
	Address   *string   `json:"address"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Interaction 操作流水与访问记录
type Interaction struct {
	Kind        string    `json:"kind"` // activity, access
	Type        string    `json:"type"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// Consent 同意记录
type Consent struct {
	Purpose   string     `json:"purpose"`
	Granted   bool       `json:"granted"`
	GrantedAt time.Time  `json:"grantedAt"`
	RevokedAt *time.Time `json:"revokedAt"`
}

// Transaction 发票与报价
type Transaction struct {
	Kind       string    `json:"kind"` // invoice, quote
	Number     string    `json:"number"`
	Status     string    `json:"status"`
	TotalCents int64     `json:"totalCents"`
	Date       time.Time `json:"date"`
}

// Communication 通信记录
type Communication struct {
	Channel string    `json:"channel"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sentAt"`
}

// OwnedContact 用户录入的联系人
type OwnedContact struct {
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Email     *string `json:"email"`
	Phone     *string `json:"phone"`
}

// ExportMetadata 导出元信息
type ExportMetadata struct {
	ExportedAt     time.Time `json:"exportedAt"`
	DataController string    `json:"dataController"`
	Format         string    `json:"format"`
}

// PersonalData 访问权涉及的全部个人数据
type PersonalData struct {
	Profile        Profile         `json:"profile"`
	Interactions   []Interaction   `json:"interactions"`
	Consents       []Consent       `json:"consents"`
	Transactions   []Transaction   `json:"transactions"`
	Communications []Communication `json:"communications"`
	Metadata       ExportMetadata  `json:"metadata"`
}

// ProcessingActivity 处理活动说明
type ProcessingActivity struct {
	Name        string `json:"name"`
	Purpose     string `json:"purpose"`
	LegalBasis  string `json:"legalBasis"`
	DataClasses string `json:"dataClasses"`
}

// LegalBasis 法律依据
type LegalBasis struct {
	Basis       string `json:"basis"`
	Article     string `json:"article"`
	Description string `json:"description"`
}

// RetentionInfo 租户保留策略摘要
type RetentionInfo struct {
	EntityType    string `json:"entityType"`
	RetentionDays int    `json:"retentionDays"`
}

// DataPackage 访问权响应
type DataPackage struct {
	PersonalData         PersonalData              `json:"personalData"`
	ProcessingActivities []ProcessingActivity      `json:"processingActivities"`
	LegalBases           []LegalBasis              `json:"legalBases"`
	DataRetention        []RetentionInfo           `json:"dataRetention"`
	ThirdPartySharing    []config.ThirdPartyConfig `json:"thirdPartySharing"`
}

// PortableData 可携带数据：用户提供的数据，不含观察或推导数据
type PortableData struct {
	Profile      Profile        `json:"profile"`
	Consents     []Consent      `json:"consents"`
	Transactions []Transaction  `json:"transactions"`
	Contacts     []OwnedContact `json:"contacts"`
}

var processingActivities = []ProcessingActivity{
	{Name: "gestion_clients", Purpose: "Gestion de la relation client et des véhicules", LegalBasis: "contract", DataClasses: "identité, coordonnées"},
	{Name: "facturation", Purpose: "Émission des devis et factures", LegalBasis: "legal_obligation", DataClasses: "identité, transactions"},
	{Name: "securite", Purpose: "Journalisation des accès et prévention de la fraude", LegalBasis: "legitimate_interest", DataClasses: "adresse IP, journaux"},
	{Name: "marketing", Purpose: "Communications commerciales", LegalBasis: "consent", DataClasses: "coordonnées, préférences"},
}

var legalBases = []LegalBasis{
	{Basis: "contract", Article: "Art. 6(1)(b)", Description: "Exécution du contrat"},
	{Basis: "legal_obligation", Article: "Art. 6(1)(c)", Description: "Obligations comptables et fiscales"},
	{Basis: "legitimate_interest", Article: "Art. 6(1)(f)", Description: "Sécurité du service"},
	{Basis: "consent", Article: "Art. 6(1)(a)", Description: "Consentement de la personne concernée"},
}

func toProfile(u *models.User) Profile {
	return Profile{
		UserID:    u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Phone:     u.Phone,
		Address:   u.Address,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

func toConsents(rows []models.UserConsent) []Consent {
	out := make([]Consent, 0, len(rows))
	for _, c := range rows {
		out = append(out, Consent{Purpose: c.Purpose, Granted: c.Granted, GrantedAt: c.GrantedAt, RevokedAt: c.RevokedAt})
	}
	return out
}

func toTransactions(invoices []models.Invoice, quotes []models.Quote) []Transaction {
	out := make([]Transaction, 0, len(invoices)+len(quotes))
	for _, i := range invoices {
		out = append(out, Transaction{Kind: "invoice", Number: i.Number, Status: i.Status, TotalCents: i.TotalCents, Date: i.CreatedAt})
	}
	for _, q := range quotes {
		out = append(out, Transaction{Kind: "quote", Number: q.Number, Status: q.Status, TotalCents: q.TotalCents, Date: q.CreatedAt})
	}
	return out
}

func toInteractions(activities []models.Activity, logs []models.AccessLog) []Interaction {
	out := make([]Interaction, 0, len(activities)+len(logs))
	for _, a := range activities {
		out = append(out, Interaction{Kind: "activity", Type: a.Type, Description: a.Description, At: a.CreatedAt})
	}
	for _, l := range logs {
		out = append(out, Interaction{Kind: "access", Type: l.Method, Description: l.Path, At: l.CreatedAt})
	}
	return out
}

func toCommunications(rows []models.Communication) []Communication {
	out := make([]Communication, 0, len(rows))
	for _, c := range rows {
		out = append(out, Communication{Channel: c.Channel, Subject: c.Subject, Body: c.Body, SentAt: c.SentAt})
	}
	return out
}

func toContacts(rows []models.Contact) []OwnedContact {
	out := make([]OwnedContact, 0, len(rows))
	for _, c := range rows {
		out = append(out, OwnedContact{FirstName: c.FirstName, LastName: c.LastName, Email: c.Email, Phone: c.Phone})
	}
	return out
}

// ============================================================================
// 可携带数据格式
// ============================================================================

// Format 可携带数据格式
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
)

// ParseFormat 解析格式，未知格式回退为 JSON
func ParseFormat(s string) Format {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatCSV:
		return FormatCSV
	case FormatXML:
		return FormatXML
	default:
		return FormatJSON
	}
}

// Render 按格式序列化可携带数据
func (d *PortableData) Render(format Format) (string, error) {
	switch format {
	case FormatCSV:
		return d.renderCSV()
	case FormatXML:
		return d.renderXML()
	default:
		raw, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return "", fmt.Errorf("序列化 JSON 失败: %w", err)
		}
		return string(raw), nil
	}
}

type section struct {
	name  string
	items []map[string]string
}

// sections 将数据展开为 section -> 行 -> 字段，字段按名称排序
func (d *PortableData) sections() ([]section, error) {
	parts := []struct {
		name string
		v    any
	}{
		{"profile", []Profile{d.Profile}},
		{"consents", d.Consents},
		{"transactions", d.Transactions},
		{"contacts", d.Contacts},
	}
	out := make([]section, 0, len(parts))
	for _, p := range parts {
		raw, err := json.Marshal(p.v)
		if err != nil {
			return nil, err
		}
		var rows []map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&rows); err != nil {
			return nil, err
		}
		s := section{name: p.name}
		for _, row := range rows {
			item := make(map[string]string, len(row))
			for k, v := range row {
				if v == nil {
					item[k] = ""
					continue
				}
				item[k] = fmt.Sprint(v)
			}
			s.items = append(s.items, item)
		}
		out = append(out, s)
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *PortableData) renderCSV() (string, error) {
	sections, err := d.sections()
	if err != nil {
		return "", fmt.Errorf("展开可携带数据失败: %w", err)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"section", "index", "field", "value"}); err != nil {
		return "", err
	}
	for _, s := range sections {
		for i, item := range s.items {
			for _, k := range sortedKeys(item) {
				if err := w.Write([]string{s.name, fmt.Sprint(i), k, item[k]}); err != nil {
					return "", err
				}
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("写入 CSV 失败: %w", err)
	}
	return buf.String(), nil
}

func (d *PortableData) renderXML() (string, error) {
	sections, err := d.sections()
	if err != nil {
		return "", fmt.Errorf("展开可携带数据失败: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	start := func(name string, attrs ...xml.Attr) error {
		return enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs})
	}
	end := func(name string) error {
		return enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}})
	}

	if err := start("portableData"); err != nil {
		return "", err
	}
	for _, s := range sections {
		if err := start(s.name); err != nil {
			return "", err
		}
		for i, item := range s.items {
			if err := start("item", xml.Attr{Name: xml.Name{Local: "index"}, Value: fmt.Sprint(i)}); err != nil {
				return "", err
			}
			for _, k := range sortedKeys(item) {
				if err := enc.EncodeElement(item[k], xml.StartElement{Name: xml.Name{Local: k}}); err != nil {
					return "", err
				}
			}
			if err := end("item"); err != nil {
				return "", err
			}
		}
		if err := end(s.name); err != nil {
			return "", err
		}
	}
	if err := end("portableData"); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", fmt.Errorf("写入 XML 失败: %w", err)
	}
	return buf.String(), nil
}
