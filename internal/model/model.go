// Package model содержит доменные сущности сервиса расчётов по партнёрской программе.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role описывает тег роли/тарифа, который хранится на аккаунте и читается внешней системой доступа.
type Role string

const (
	RoleMemberFree     Role = "MEMBER_FREE"
	RoleMemberPremium  Role = "MEMBER_PREMIUM"
	RoleMemberLifetime Role = "MEMBER_LIFETIME"
	RoleAffiliate      Role = "AFFILIATE"
	RoleAdmin          Role = "ADMIN"
	RoleFounder        Role = "FOUNDER"
	RoleCoFounder      Role = "CO_FOUNDER"
)

// IsMember сообщает, относится ли роль к участникам с тарифом.
func (r Role) IsMember() bool {
	switch r {
	case RoleMemberFree, RoleMemberPremium, RoleMemberLifetime:
		return true
	}
	return false
}

func (r Role) memberRank() int {
	switch r {
	case RoleMemberLifetime:
		return 3
	case RoleMemberPremium:
		return 2
	case RoleMemberFree:
		return 1
	}
	return 0
}

// UpgradeRole возвращает роль после применения предложенной: роль участника только повышается,
// служебные роли (партнёр, администратор, основатели) не затрагиваются.
func UpgradeRole(current, proposed Role) Role {
	if proposed == "" {
		return current
	}
	if current != "" && !current.IsMember() {
		return current
	}
	if proposed.memberRank() > current.memberRank() {
		return proposed
	}
	return current
}

// Account описывает учётную запись, идентифицируемую email без учёта регистра.
type Account struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	ExternalID  *int64    `json:"external_id,omitempty"`
	Role        Role      `json:"role"`
	Active      bool      `json:"active"`
	Placeholder bool      `json:"placeholder,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Wallet хранит балансы аккаунта в минимальных единицах валюты.
type Wallet struct {
	AccountID        int64     `json:"account_id"`
	Available        int64     `json:"available"`
	Pending          int64     `json:"pending"`
	LifetimeEarnings int64     `json:"lifetime_earnings"`
	LifetimePayout   int64     `json:"lifetime_payout"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TransactionStatus описывает состояние транзакции.
type TransactionStatus string

const (
	StatusPending TransactionStatus = "PENDING"
	StatusSuccess TransactionStatus = "SUCCESS"
	StatusFailed  TransactionStatus = "FAILED"
)

// IsTerminal сообщает, является ли статус конечным.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Category описывает категорию продукта.
type Category string

const (
	CategoryEvent        Category = "EVENT"
	CategorySoftware     Category = "SOFTWARE"
	CategoryService      Category = "SERVICE"
	CategoryPhysicalGood Category = "PHYSICAL_GOOD"
	CategoryMembership   Category = "MEMBERSHIP"
)

// Duration описывает длительность доступа, которую даёт продукт. Пустое значение означает отсутствие доступа.
type Duration string

const (
	DurationNone     Duration = ""
	DurationFree     Duration = "FREE"
	Duration1M       Duration = "1M"
	Duration3M       Duration = "3M"
	Duration6M       Duration = "6M"
	Duration12M      Duration = "12M"
	DurationLifetime Duration = "LIFETIME"
)

// Months возвращает число месяцев и false для бессрочных длительностей.
func (d Duration) Months() (int, bool) {
	switch d {
	case Duration1M:
		return 1, true
	case Duration3M:
		return 3, true
	case Duration6M:
		return 6, true
	case Duration12M:
		return 12, true
	}
	return 0, false
}

// Channel описывает канал, через который событие попало в расчёт.
type Channel string

const (
	ChannelLive      Channel = "LIVE"
	ChannelImport    Channel = "IMPORT"
	ChannelReconcile Channel = "RECONCILE"
)

// Transaction описывает попытку покупки.
type Transaction struct {
	ID               int64             `json:"id"`
	CorrelationID    string            `json:"correlation_id"`
	Amount           int64             `json:"amount"`
	Status           TransactionStatus `json:"status"`
	Category         Category          `json:"category"`
	Duration         Duration          `json:"duration,omitempty"`
	ProductReference string            `json:"product_reference"`
	PayerID          int64             `json:"payer_id"`
	AffiliateID      *int64            `json:"affiliate_id,omitempty"`
	Channel          Channel           `json:"channel"`
	PaidAt           time.Time         `json:"paid_at"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// RateType описывает способ начисления комиссии.
type RateType string

const (
	RatePercentage RateType = "PERCENTAGE"
	RateFlat       RateType = "FLAT"
)

// RateSpec описывает правило начисления комиссии для продукта или категории.
type RateSpec struct {
	Key    string          `json:"key"`
	Type   RateType        `json:"type"`
	Value  decimal.Decimal `json:"value"`
	Source string          `json:"source"`
}

// CommissionRecord фиксирует комиссию по одной транзакции вместе со ставкой на момент расчёта.
type CommissionRecord struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transaction_id"`
	CorrelationID string          `json:"correlation_id"`
	BeneficiaryID int64           `json:"beneficiary_id"`
	Amount        int64           `json:"amount"`
	RateType      RateType        `json:"rate_type"`
	RateValue     decimal.Decimal `json:"rate_value"`
	RateSource    string          `json:"rate_source"`
	PaidOut       bool            `json:"paid_out"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PendingRevenue описывает долю участника распределения, ожидающую подтверждения.
type PendingRevenue struct {
	ID            int64     `json:"id"`
	TransactionID int64     `json:"transaction_id"`
	AccountID     int64     `json:"account_id"`
	Role          Role      `json:"role"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// MembershipStatus описывает состояние доступа.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "ACTIVE"
	MembershipPending   MembershipStatus = "PENDING"
	MembershipCancelled MembershipStatus = "CANCELLED"
)

// TierFamily группирует тарифы: внутри семейства допускается не более одного активного доступа.
type TierFamily string

const (
	FamilyFree     TierFamily = "FREE"
	FamilyPremium  TierFamily = "PREMIUM"
	FamilyLifetime TierFamily = "LIFETIME"
)

// Rank возвращает старшинство семейства: LIFETIME > PREMIUM > FREE.
func (f TierFamily) Rank() int {
	switch f {
	case FamilyLifetime:
		return 3
	case FamilyPremium:
		return 2
	case FamilyFree:
		return 1
	}
	return 0
}

// UnlimitedEnd используется вместо пустой даты окончания бессрочного доступа.
var UnlimitedEnd = time.Date(2099, time.December, 31, 0, 0, 0, 0, time.UTC)

// MembershipGrant описывает право доступа аккаунта к тарифу.
type MembershipGrant struct {
	ID            int64            `json:"id"`
	AccountID     int64            `json:"account_id"`
	Tier          string           `json:"tier"`
	Family        TierFamily       `json:"family"`
	StartDate     time.Time        `json:"start_date"`
	EndDate       time.Time        `json:"end_date"`
	Status        MembershipStatus `json:"status"`
	TransactionID *int64           `json:"transaction_id,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// AffiliateStats кэширует агрегаты партнёра, пересчитываемые из записей о комиссиях.
type AffiliateStats struct {
	AccountID        int64     `json:"account_id"`
	TotalEarnings    int64     `json:"total_earnings"`
	TotalConversions int64     `json:"total_conversions"`
	RefreshedAt      time.Time `json:"refreshed_at"`
}

// StatsDrift описывает расхождение кэша статистики партнёра с пересчитанными значениями.
type StatsDrift struct {
	AccountID         int64 `json:"account_id"`
	CachedEarnings    int64 `json:"cached_earnings"`
	ActualEarnings    int64 `json:"actual_earnings"`
	CachedConversions int64 `json:"cached_conversions"`
	ActualConversions int64 `json:"actual_conversions"`
}
