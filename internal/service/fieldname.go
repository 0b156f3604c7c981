package service

import (
	"net/mail"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

// FieldKind — вид отслеживаемого поля источника.
type FieldKind int

const (
	// FieldDirect — значение копируется в поле получателя.
	FieldDirect FieldKind = iota
	// FieldSpecial — свободный текст, разбираемый извлечением.
	FieldSpecial
)

// Special-поля.
const (
	SpecialSetName    = "setname"
	SpecialSetAddress = "setaddress"
)

// AddressLastUpdatedField — поле получателя с временем изменения адреса.
const AddressLastUpdatedField = "addressLastUpdatedAt"

// TaggedField — разобранное имя отслеживаемого поля.
//
//	"<Tag> - firstName"              → upsert firstName
//	"<Tag> - Override - firstName"   → override firstName
//	"<Tag> - Special - setAddress"   → special setaddress
type TaggedField struct {
	Kind     FieldKind
	Strategy model.Strategy
	// Destination — имя поля получателя (для FieldDirect)
	Destination string
	// Special — имя special-поля в нижнем регистре (для FieldSpecial)
	Special string
}

// ParseTaggedField разбирает имя поля источника. Префиксы сравниваются без учёта регистра.
func ParseTaggedField(tag, name string) (TaggedField, bool) {
	rest, ok := cutPrefixFold(strings.TrimSpace(name), tag+" - ")
	if !ok {
		return TaggedField{}, false
	}

	field := TaggedField{Kind: FieldDirect, Strategy: model.StrategyUpsert}
	if r, ok := cutPrefixFold(rest, "Override - "); ok {
		field.Strategy = model.StrategyOverride
		rest = r
	}
	if r, ok := cutPrefixFold(rest, "Special - "); ok {
		special := strings.ToLower(strings.TrimSpace(r))
		if special == "" {
			return TaggedField{}, false
		}
		field.Kind = FieldSpecial
		field.Special = special
		return field, true
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return TaggedField{}, false
	}
	field.Destination = rest
	return field, true
}

// IsListField сообщает, содержит ли поле получателя идентификаторы списков рассылки.
func IsListField(destination string) bool {
	_, ok := cutPrefixFold(destination, model.MailingListsField)
	return ok
}

// ValidDestinationName — имя поля получателя начинается со строчной буквы;
// прочие имена зарезервированы для служебных полей.
func ValidDestinationName(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return r != utf8.RuneError && unicode.IsLower(r)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// NormalizeIdentity приводит email к каноническому виду: NFC, без пробелов, нижний регистр.
func NormalizeIdentity(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(norm.NFC.String(raw)))
	if email == "" || strings.ContainsAny(email, " \t\r\n,;") {
		return "", false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", false
	}
	return email, true
}

// ParseListIDs разбирает идентификаторы списков: строка через запятую или массив.
// Результат без пустых значений и повторов, отсортирован.
func ParseListIDs(v canon.Value) []string {
	var raw []string
	switch t := v.Interface().(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(t, ",")
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, strings.Split(s, ",")...)
			}
		}
	default:
		raw = []string{v.Text()}
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// listValue — каноническое значение набора списков.
func listValue(ids []string) canon.Value {
	return canon.MustOf(ids)
}
