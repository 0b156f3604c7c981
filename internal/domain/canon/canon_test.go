package canon

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOf_RepresentationallyEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
	}{
		{name: "одинаковые строки", a: "Jane", b: "Jane"},
		{name: "порядок ключей", a: map[string]any{"a": 1, "b": 2}, b: map[string]any{"b": 2, "a": 1}},
		{name: "1.0 и 1", a: 1.0, b: 1},
		{name: "массив из одного элемента", a: []any{"Jane"}, b: "Jane"},
		{name: "вложенный массив из одного элемента", a: map[string]any{"x": []string{"y"}}, b: map[string]any{"x": "y"}},
		{name: "NFC и NFD", a: "Jos\u00e9", b: "Jose\u0301"},
		{name: "nil и null-массив", a: nil, b: []any{nil}},
		{name: "время в разных зонах", a: time.Date(2024, 1, 2, 15, 0, 0, 0, time.FixedZone("UTC+3", 3*3600)), b: "2024-01-02T12:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Of(tt.a)
			if err != nil {
				t.Fatalf("Of(a): %v", err)
			}
			b, err := Of(tt.b)
			if err != nil {
				t.Fatalf("Of(b): %v", err)
			}
			if !a.Equal(b) {
				t.Errorf("ожидалось равенство: %s != %s", a, b)
			}
		})
	}
}

func TestOf_Different(t *testing.T) {
	tests := []struct {
		name string
		a, b any
	}{
		{name: "разные строки", a: "Jane", b: "Jean"},
		{name: "строка и число", a: "1", b: 1},
		{name: "массив из двух элементов", a: []any{"a", "b"}, b: []any{"b", "a"}},
		{name: "null и пустая строка", a: nil, b: ""},
		{name: "false и null", a: false, b: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if MustOf(tt.a).Equal(MustOf(tt.b)) {
				t.Errorf("ожидалось неравенство: %s == %s", MustOf(tt.a), MustOf(tt.b))
			}
		})
	}
}

func TestValue_NullForms(t *testing.T) {
	var zero Value
	if !zero.IsNull() {
		t.Error("нулевое значение должно быть null")
	}
	if zero.String() != "null" {
		t.Errorf("String() = %q, ожидался null", zero.String())
	}

	v, err := FromJSON([]byte("  null "))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if !v.IsNull() {
		t.Error("FromJSON(null) должен вернуть null")
	}
}

func TestValue_JSONRoundTripInsideStruct(t *testing.T) {
	type wrapper struct {
		V Value `json:"v"`
	}

	in := wrapper{V: MustOf(map[string]any{"b": []any{"x"}, "a": 2.50})}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"v":{"a":2.5,"b":"x"}}` {
		t.Errorf("Marshal = %s", data)
	}

	var out wrapper
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !out.V.Equal(in.V) {
		t.Errorf("после Unmarshal %s != %s", out.V, in.V)
	}
}

func TestValue_Text(t *testing.T) {
	if got := MustOf("Jane").Text(); got != "Jane" {
		t.Errorf("Text() = %q", got)
	}
	if got := MustOf(42).Text(); got != "42" {
		t.Errorf("Text() = %q", got)
	}
	if got := Null().Text(); got != "" {
		t.Errorf("Text() для null = %q", got)
	}
}
