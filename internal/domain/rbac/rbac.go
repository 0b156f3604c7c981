// Пакет rbac — определение роли оператора admin API.
// Роль вычисляется из ролей realm и групп IdP: из всех совпадений берётся
// роль с максимальными привилегиями.
package rbac

// Роли в порядке возрастания привилегий.
const (
	// RoleViewer — чтение реестра источников, конвертов и аудита.
	RoleViewer = "viewer"
	// RoleOperator — всё, что доступно viewer, плюс resync, retire, ignore-паттерны, повтор конвертов.
	RoleOperator = "operator"
)

var roleWeight = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	if roleWeight[a] >= roleWeight[b] {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Если набор пуст — возвращает пустую строку.
func HighestRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	highest := roles[0]
	for _, r := range roles[1:] {
		highest = maxRole(highest, r)
	}
	return highest
}

// MapToRole сопоставляет имена ролей realm и групп субъекта с ролями admin API.
// operatorNames и viewerNames — имена из конфигурации.
// Если ничего не совпало — возвращает пустую строку.
func MapToRole(names []string, operatorNames, viewerNames []string) string {
	operatorSet := toSet(operatorNames)
	viewerSet := toSet(viewerNames)

	var roles []string
	for _, n := range names {
		if operatorSet[n] {
			roles = append(roles, RoleOperator)
		}
		if viewerSet[n] {
			roles = append(roles, RoleViewer)
		}
	}
	return HighestRole(roles)
}

// Allows сообщает, покрывает ли роль have требуемую роль need.
func Allows(have, need string) bool {
	if !IsValidRole(have) {
		return false
	}
	return roleWeight[have] >= roleWeight[need]
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
