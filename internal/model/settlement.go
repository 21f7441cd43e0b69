package model

// Share описывает долю участника распределения выручки, зачисляемую в ожидающий баланс.
type Share struct {
	AccountID int64 `json:"account_id"`
	Role      Role  `json:"role"`
	Amount    int64 `json:"amount"`
}

// MembershipAction описывает итог решения по доступу.
type MembershipAction string

const (
	ActionNone         MembershipAction = ""
	ActionCreated      MembershipAction = "CREATED"
	ActionMerged       MembershipAction = "MERGED"
	ActionExtended     MembershipAction = "EXTENDED"
	ActionUpgraded     MembershipAction = "UPGRADED"
	ActionKeptExisting MembershipAction = "KEPT_EXISTING"
	ActionNoop         MembershipAction = "NOOP"
)

// MembershipDecision описывает изменения доступа, которые хранилище применяет атомарно с расчётом.
type MembershipDecision struct {
	Action MembershipAction  `json:"action,omitempty"`
	Create *MembershipGrant  `json:"create,omitempty"`
	Update []MembershipGrant `json:"update,omitempty"`
	Delete []int64           `json:"delete,omitempty"`
	Role   Role              `json:"role,omitempty"`
	Flags  []FlagEntry       `json:"flags,omitempty"`
}

// MembershipDecider вычисляет решение по текущим доступам аккаунта. Хранилище вызывает его
// под блокировкой строки аккаунта плательщика.
type MembershipDecider func(existing []MembershipGrant) MembershipDecision

// SettlementPlan описывает всё, что нужно записать при переходе транзакции PENDING→SUCCESS.
type SettlementPlan struct {
	TransactionID int64
	PayerID       int64
	// AffiliateID записывается на транзакцию, если при первом появлении партнёр не был указан.
	AffiliateID   *int64
	Commission    *CommissionRecord
	Shares        []Share
	Membership    MembershipDecider
	Flags         []FlagEntry
	// Repair дозачисляет комиссию и доли по уже завершённой транзакции без смены статуса и
	// без изменения доступов.
	Repair        bool
}

// SettlementResult описывает итог атомарного расчёта.
type SettlementResult struct {
	// Applied ложно, если транзакция уже была завершена другим вызовом.
	Applied    bool
	// Blocked истинно, если дозачисление отклонено: комиссия не помещается в нераспределённый
	// остаток суммы транзакции. Флаги при этом записаны.
	Blocked    bool
	Commission *CommissionRecord
	Shares     []Share
	Membership MembershipDecision
	Grant      *MembershipGrant
	Flags      []FlagEntry
}
