// Package resolver сопоставляет внешних участников (email, идентификатор внешней системы)
// с внутренними аккаунтами, создавая аккаунт вместе с кошельком при первом появлении.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// LegacyPrefix префикс ссылки на партнёра по идентификатору внешней системы.
const LegacyPrefix = "legacy:"

// Identity описывает внешнего участника.
type Identity struct {
	Email      string
	Name       string
	ExternalID *int64
}

// Store создаёт аккаунт с кошельком атомарно или возвращает существующий.
type Store interface {
	EnsureAccount(ctx context.Context, acc model.Account) (model.Account, bool, error)
}

// Directory ищет партнёра во внешней системе.
type Directory interface {
	LookupAffiliate(ctx context.Context, id int64) (email, name string, err error)
}

type affiliateEntry struct {
	email string
	name  string
}

// Resolver сопоставляет участников с аккаунтами.
type Resolver struct {
	store  Store
	dir    Directory
	logger *zap.Logger

	known sync.Map // int64 -> affiliateEntry
}

// New создаёт Resolver. dir может быть nil, тогда ссылки вида legacy:<id> разрешаются в заглушки.
func New(store Store, dir Directory, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, dir: dir, logger: logger}
}

// NormalizeEmail обрезает пробелы и приводит email к единому регистру.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

// PlaceholderEmail возвращает адрес заглушки для партнёра, которого не удалось найти.
func PlaceholderEmail(id int64) string {
	return "affiliate-" + strconv.FormatInt(id, 10) + "@placeholder.invalid"
}

// Resolve возвращает аккаунт плательщика, создавая его при первом появлении.
func (r *Resolver) Resolve(ctx context.Context, id Identity) (model.Account, error) {
	return r.ensure(ctx, id, model.RoleMemberFree, false)
}

// ResolveParty возвращает аккаунт получателя доли распределения.
func (r *Resolver) ResolveParty(ctx context.Context, email string, role model.Role) (model.Account, error) {
	return r.ensure(ctx, Identity{Email: email}, role, false)
}

// ResolveAffiliate разрешает ссылку на партнёра: email или legacy:<id>. Если внешняя система
// недоступна, создаётся заглушка и возвращается флаг для последующей сверки.
func (r *Resolver) ResolveAffiliate(ctx context.Context, ref string) (model.Account, []model.FlagEntry, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Account{}, nil, model.NewValidationError("affiliate_reference", "is empty")
	}

	if !strings.HasPrefix(strings.ToLower(ref), LegacyPrefix) {
		if !strings.Contains(ref, "@") {
			return model.Account{}, nil, model.NewValidationError("affiliate_reference", "must be an email or legacy:<id>")
		}
		acc, err := r.ensure(ctx, Identity{Email: ref}, model.RoleAffiliate, false)
		return acc, nil, err
	}

	id, err := strconv.ParseInt(ref[len(LegacyPrefix):], 10, 64)
	if err != nil || id <= 0 {
		return model.Account{}, nil, model.NewValidationError("affiliate_reference", "invalid legacy id")
	}

	entry, flag, err := r.lookup(ctx, id)
	if err != nil {
		return model.Account{}, nil, err
	}
	if flag != nil {
		acc, err := r.ensure(ctx, Identity{
			Email:      PlaceholderEmail(id),
			Name:       "Affiliate " + strconv.FormatInt(id, 10),
			ExternalID: &id,
		}, model.RoleAffiliate, true)
		if err != nil {
			return model.Account{}, nil, err
		}
		return acc, []model.FlagEntry{*flag}, nil
	}

	acc, err := r.ensure(ctx, Identity{Email: entry.email, Name: entry.name, ExternalID: &id}, model.RoleAffiliate, false)
	return acc, nil, err
}

func (r *Resolver) lookup(ctx context.Context, id int64) (affiliateEntry, *model.FlagEntry, error) {
	if v, ok := r.known.Load(id); ok {
		return v.(affiliateEntry), nil, nil
	}

	if r.dir == nil {
		return affiliateEntry{}, &model.FlagEntry{
			Flag:   model.FlagDependencyUnavailable,
			Detail: fmt.Sprintf("no affiliate directory for legacy id %d", id),
		}, nil
	}

	email, name, err := r.dir.LookupAffiliate(ctx, id)
	switch {
	case err == nil:
		entry := affiliateEntry{email: email, name: name}
		r.known.Store(id, entry)
		return entry, nil, nil
	case errors.Is(err, model.ErrNotFound):
		r.logger.Warn("legacy affiliate not found, using placeholder", zap.Int64("legacy_id", id))
		return affiliateEntry{}, &model.FlagEntry{
			Flag:   model.FlagIntegrityViolation,
			Detail: fmt.Sprintf("legacy affiliate %d not found", id),
		}, nil
	case errors.Is(err, context.Canceled):
		return affiliateEntry{}, nil, err
	default:
		r.logger.Warn("affiliate lookup failed, using placeholder", zap.Int64("legacy_id", id), zap.Error(err))
		return affiliateEntry{}, &model.FlagEntry{
			Flag:   model.FlagDependencyUnavailable,
			Detail: fmt.Sprintf("legacy affiliate %d lookup: %v", id, err),
		}, nil
	}
}

func (r *Resolver) ensure(ctx context.Context, id Identity, role model.Role, placeholder bool) (model.Account, error) {
	email := NormalizeEmail(id.Email)
	if email == "" {
		return model.Account{}, model.NewValidationError("email", "is required")
	}

	name := strings.TrimSpace(id.Name)
	if name == "" {
		name = email
	}

	acc, created, err := r.store.EnsureAccount(ctx, model.Account{
		Email:       email,
		Name:        name,
		ExternalID:  id.ExternalID,
		Role:        role,
		Active:      true,
		Placeholder: placeholder,
	})
	if err != nil {
		return model.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	if created {
		r.logger.Info("account created",
			zap.Int64("account_id", acc.ID),
			zap.String("role", string(acc.Role)),
			zap.Bool("placeholder", placeholder),
		)
	}

	return acc, nil
}
