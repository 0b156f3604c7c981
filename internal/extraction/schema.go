package extraction

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema — схема структурированного результата извлечения.
type Schema struct {
	// Name — имя схемы (передаётся модели и пишется в provenance)
	Name string
	// Instructions — системная инструкция модели
	Instructions string
	// Outputs — имена полей результата (поля получателя)
	Outputs []string
	// Document — JSON Schema результата
	Document []byte

	compiled *jsonschema.Schema
}

// NewSchema компилирует JSON Schema результата.
func NewSchema(name, instructions string, outputs []string, document []byte) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("схема %s: разбор: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := "https://field-integrator.invalid/schemas/" + name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("схема %s: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("схема %s: компиляция: %w", name, err)
	}
	return &Schema{
		Name:         name,
		Instructions: instructions,
		Outputs:      outputs,
		Document:     document,
		compiled:     compiled,
	}, nil
}

// Validate проверяет JSON-документ против схемы.
func (s *Schema) Validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("разбор результата: %w", err)
	}
	if err := s.compiled.Validate(inst); err != nil {
		return fmt.Errorf("результат не соответствует схеме %s: %w", s.Name, err)
	}
	return nil
}

func mustSchema(name, instructions string, outputs []string, document string) *Schema {
	s, err := NewSchema(name, instructions, outputs, []byte(document))
	if err != nil {
		panic(err)
	}
	return s
}

// NameSchema — разбор полного имени на имя и фамилию.
var NameSchema = mustSchema("name",
	"Split the person's full name into first name and last name. "+
		"Use null for a part that is absent. Do not invent values.",
	[]string{"firstName", "lastName"},
	`{
		"type": "object",
		"properties": {
			"firstName": {"type": ["string", "null"]},
			"lastName": {"type": ["string", "null"]}
		},
		"required": ["firstName", "lastName"],
		"additionalProperties": false
	}`)

// AddressSchema — разбор почтового адреса на части.
var AddressSchema = mustSchema("address",
	"Parse the free-form postal address into its parts. "+
		"Use null for a part that is absent. Use the full country name.",
	[]string{"addressLine1", "addressLine2", "addressCity", "addressState", "addressZipCode", "addressCountry"},
	`{
		"type": "object",
		"properties": {
			"addressLine1": {"type": ["string", "null"]},
			"addressLine2": {"type": ["string", "null"]},
			"addressCity": {"type": ["string", "null"]},
			"addressState": {"type": ["string", "null"]},
			"addressZipCode": {"type": ["string", "null"]},
			"addressCountry": {"type": ["string", "null"]}
		},
		"required": ["addressLine1", "addressLine2", "addressCity", "addressState", "addressZipCode", "addressCountry"],
		"additionalProperties": false
	}`)
