package models

import (
	"github.com/google/uuid"
)

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// All 返回需要迁移的全部模型
func All() []any {
	return []any{
		&AuditLog{},
		&RetentionPolicy{},
		&PurgeLog{},
		&DSARRequest{},
		&User{},
		&Contact{},
		&Document{},
		&Invoice{},
		&Quote{},
		&Activity{},
		&AccessLog{},
		&Session{},
		&Account{},
		&UserConsent{},
		&Communication{},
		&LegalHold{},
		&ProcessingRestriction{},
		&ProcessingObjection{},
	}
}
