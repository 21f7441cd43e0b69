package rates

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/settlement-system/internal/membership"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/split"
)

// PartyConfig описывает получателя доли в файле.
type PartyConfig struct {
	Email   string `koanf:"email"`
	Role    string `koanf:"role"`
	Percent string `koanf:"percent"`
}

// SplitConfig описывает политику распределения в файле.
type SplitConfig struct {
	FeeRate string        `koanf:"fee_rate"`
	Fee     PartyConfig   `koanf:"fee"`
	Parties []PartyConfig `koanf:"parties"`
}

// File описывает файл ставок.
type File struct {
	Rates      []Rule            `koanf:"rates"`
	Split      *SplitConfig      `koanf:"split"`
	Membership membership.Policy `koanf:"membership"`
}

// Settings содержит проверенное содержимое файла ставок.
type Settings struct {
	Table      *Table
	Split      *split.Policy
	Membership membership.Policy
}

// LoadFile читает YAML-файл ставок, проверяет правила и политику распределения.
func LoadFile(path string) (*Settings, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load rates file %s: %w", path, err)
	}

	var f File
	if err := k.Unmarshal("", &f); err != nil {
		return nil, fmt.Errorf("unmarshal rates file: %w", err)
	}

	return f.Settings()
}

// Settings проверяет содержимое файла.
func (f File) Settings() (*Settings, error) {
	table, err := NewTable(f.Rates)
	if err != nil {
		return nil, err
	}

	s := &Settings{Table: table, Membership: f.Membership}
	if f.Split == nil {
		return s, nil
	}

	feeRate, err := parseDecimal(f.Split.FeeRate)
	if err != nil {
		return nil, fmt.Errorf("split fee_rate: %w", err)
	}

	parties := make([]split.Party, 0, len(f.Split.Parties))
	for _, p := range f.Split.Parties {
		party, err := p.party()
		if err != nil {
			return nil, err
		}
		parties = append(parties, party)
	}

	fee, err := f.Split.Fee.party()
	if err != nil {
		return nil, err
	}

	s.Split, err = split.NewPolicy(feeRate, fee, parties)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (p PartyConfig) party() (split.Party, error) {
	percent, err := parseDecimal(p.Percent)
	if err != nil {
		return split.Party{}, fmt.Errorf("party %s percent: %w", p.Email, err)
	}
	return split.Party{
		Email:   p.Email,
		Role:    model.Role(strings.ToUpper(strings.TrimSpace(p.Role))),
		Percent: percent,
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
