// Пакет canon — каноническое представление значений полей.
//
// Все сравнения значений (baseline источника, baseline получателя, слияние
// конвертов) выполняются над каноническим JSON:
//   - ключи объектов нормализуются (Unicode NFC) и сортируются;
//   - строки нормализуются в NFC;
//   - числа приводятся к кратчайшей записи (1.0 → 1);
//   - массив из одного скалярного элемента сворачивается в скаляр
//     (Airtable оборачивает lookup/rollup значения в массивы);
//   - время — RFC 3339 в UTC.
//
// Два представления одного и того же значения дают одинаковые байты,
// поэтому равенство — это bytes.Equal.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// nullJSON — каноническая запись отсутствующего значения.
var nullJSON = []byte("null")

// Value — каноническое значение поля. Нулевое значение эквивалентно null.
type Value struct {
	raw []byte
}

// Null возвращает значение null.
func Null() Value {
	return Value{}
}

// Of канонизирует произвольное Go-значение, сериализуемое в JSON.
func Of(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Value{}, nil
		}
		return *t, nil
	case time.Time:
		v = t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return Value{}, nil
		}
		v = t.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("сериализация значения: %w", err)
	}
	return FromJSON(data)
}

// MustOf — Of для значений, заведомо сериализуемых в JSON (литералы в коде и тестах).
func MustOf(v any) Value {
	val, err := Of(v)
	if err != nil {
		panic(err)
	}
	return val
}

// FromJSON канонизирует JSON-документ. Пустой ввод трактуется как null.
func FromJSON(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, nullJSON) {
		return Value{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return Value{}, fmt.Errorf("разбор JSON: %w", err)
	}

	normalized, err := normalize(generic)
	if err != nil {
		return Value{}, err
	}
	if normalized == nil {
		return Value{}, nil
	}

	var buf bytes.Buffer
	if err := encode(&buf, normalized); err != nil {
		return Value{}, err
	}
	return Value{raw: buf.Bytes()}, nil
}

// IsNull сообщает, является ли значение null.
func (v Value) IsNull() bool {
	return len(v.raw) == 0
}

// Equal — структурное равенство канонических форм.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v.Bytes(), other.Bytes())
}

// Bytes возвращает каноническую JSON-запись (null для пустого значения).
func (v Value) Bytes() []byte {
	if len(v.raw) == 0 {
		return nullJSON
	}
	return v.raw
}

// String возвращает каноническую JSON-запись строкой.
func (v Value) String() string {
	return string(v.Bytes())
}

// Interface декодирует значение в обобщённую Go-форму
// (nil, bool, json.Number, string, []any, map[string]any).
func (v Value) Interface() any {
	if v.IsNull() {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(v.raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}

// Text возвращает строковое представление скаляра: строка как есть,
// прочие значения — в канонической JSON-записи, null — пустая строка.
func (v Value) Text() string {
	switch t := v.Interface().(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return v.String()
	}
}

// MarshalJSON реализует json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.Bytes(), nil
}

// UnmarshalJSON реализует json.Unmarshaler; вход канонизируется.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// normalize приводит обобщённое JSON-значение к канонической форме.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool:
		return t, nil
	case string:
		return norm.NFC.String(t), nil
	case json.Number:
		return normalizeNumber(t)
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		if len(out) == 1 && isScalar(out[0]) {
			return out[0], nil
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("неподдерживаемый тип значения %T", v)
	}
}

// normalizeNumber приводит число к кратчайшей десятичной записи.
func normalizeNumber(n json.Number) (json.Number, error) {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return "", fmt.Errorf("некорректное число %q: %w", n, err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("некорректное число %q", n)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case []any, map[string]any:
		return false
	default:
		return true
	}
}

// encode пишет каноническую JSON-запись с отсортированными ключами
// и без экранирования HTML-символов.
func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.Write(nullJSON)
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case json.Number:
		buf.WriteString(t.String())
	case string:
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return err
		}
		// Encoder добавляет перевод строки
		buf.Truncate(buf.Len() - 1)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("неподдерживаемый тип значения %T", v)
	}
	return nil
}
